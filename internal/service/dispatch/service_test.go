package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/internal/store"
	"uk.co.dudmesh.federate/internal/transport"
	"uk.co.dudmesh.federate/pkg/activity"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	responses map[string]error
	calls     []string
}

func (d *fakeDeliverer) Deliver(ctx context.Context, inbox string, payload []byte, actorID model.ActorID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, inbox)
	if err, ok := d.responses[inbox]; ok {
		return err
	}
	return nil
}

func (d *fakeDeliverer) sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.calls...)
}

type scheduledTask struct {
	delay time.Duration
	fn    func(ctx context.Context)
}

// recordingScheduler captures tasks instead of running them so tests can
// step through the batch/retry chain by hand.
type recordingScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (s *recordingScheduler) Schedule(delay time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduledTask{delay, fn})
}

func (s *recordingScheduler) pop() (scheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return scheduledTask{}, false
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	return task, true
}

func (s *recordingScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type recordingObserver struct {
	NopObserver
	mu        sync.Mutex
	abandoned []int
}

func (o *recordingObserver) DeliveryAbandoned(outboxItemID string, inboxes []string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abandoned = append(o.abandoned, attempt)
}

type staticProvider []string

func (p staticProvider) AdditionalInboxes(ctx context.Context, a *activity.Activity, actor *model.LocalActor, inboxes []string) []string {
	return append(inboxes, p...)
}

type fixture struct {
	service   *Service
	outbox    *store.OutboxStore
	actors    *store.ActorStore
	followers *store.FollowerStore
	deliverer *fakeDeliverer
	scheduler *recordingScheduler
}

func newFixture(t *testing.T, providers []InboxProvider, opts Options) *fixture {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })

	outbox, err := store.NewOutboxStore(db)
	require.Nil(t, err)
	actors, err := store.NewActorStore(db)
	require.Nil(t, err)
	followers, err := store.NewFollowerStore(db)
	require.Nil(t, err)

	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Minute
	}
	opts.SendRate = 1000
	deliverer := &fakeDeliverer{responses: map[string]error{}}
	scheduler := &recordingScheduler{}

	service := New(outbox, actors, followers, deliverer, scheduler, providers, opts)
	return &fixture{service, outbox, actors, followers, deliverer, scheduler}
}

func (f *fixture) createActor(t *testing.T) *model.LocalActor {
	t.Helper()
	actor := &model.LocalActor{
		Handle:       "alice",
		URI:          "https://local.example/actors/alice",
		FollowersURI: "https://local.example/actors/alice/followers",
		InboxURI:     "https://local.example/actors/alice/inbox",
	}
	require.Nil(t, f.actors.Create(actor))
	return actor
}

func (f *fixture) addFollowers(t *testing.T, actorID model.ActorID, n int) []string {
	t.Helper()
	inboxes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		inbox := fmt.Sprintf("https://peer%d.example/inbox", i)
		require.Nil(t, f.followers.Upsert(&model.Follower{
			ActorID:     actorID,
			FollowerURI: fmt.Sprintf("https://peer%d.example/users/u", i),
			InboxURI:    inbox,
		}))
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}

func (f *fixture) enqueue(t *testing.T, actorID model.ActorID, kind string, audience ...string) *model.OutboxItem {
	t.Helper()
	a := &activity.Activity{
		ID:    "https://local.example/activities/" + model.CreateID(),
		Type:  kind,
		Actor: "https://local.example/actors/alice",
		To:    activity.StringList(audience),
	}
	item, err := f.outbox.Enqueue(actorID, a)
	require.Nil(t, err)
	return item
}

func TestDispatchBatchResumption(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, nil, Options{BatchSize: 1})

	actor := f.createActor(t)
	inboxes := f.addFollowers(t, actor.ID, 2)
	item := f.enqueue(t, actor.ID, "Create", activity.PublicMarker)

	assert.Nil(f.service.DispatchBatch(ctx, item.ID, 1, 0))

	t.Run("first page advances the cursor", func(t *testing.T) {
		got, err := f.outbox.Get(item.ID)
		assert.Nil(err)
		assert.NotNil(got.Offset)
		assert.Equal(1, *got.Offset)
		assert.NotEqual(model.OutboxStatusPublished, got.Status)
		assert.Equal([]string{inboxes[0]}, f.deliverer.sent())
		assert.Equal(1, f.scheduler.pending())
	})

	t.Run("second page finalizes", func(t *testing.T) {
		task, ok := f.scheduler.pop()
		assert.True(ok)
		task.fn(ctx)

		got, err := f.outbox.Get(item.ID)
		assert.Nil(err)
		assert.Equal(model.OutboxStatusPublished, got.Status)
		assert.Nil(got.Offset)
		assert.Equal(inboxes, f.deliverer.sent())
		assert.Equal(0, f.scheduler.pending())
	})
}

func TestDispatchBatchIdempotentRerun(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, nil, Options{BatchSize: 10})

	actor := f.createActor(t)
	f.addFollowers(t, actor.ID, 1)
	item := f.enqueue(t, actor.ID, "Create", activity.PublicMarker)

	assert.Nil(f.service.DispatchBatch(ctx, item.ID, 10, 0))
	assert.Nil(f.service.DispatchBatch(ctx, item.ID, 10, 0))

	got, err := f.outbox.Get(item.ID)
	assert.Nil(err)
	assert.Equal(model.OutboxStatusPublished, got.Status)
	assert.Nil(got.Offset)
	assert.Equal(0, f.scheduler.pending())
	// delivery repeats, storage effects do not
	assert.Len(f.deliverer.sent(), 2)
}

func TestSendToInboxesClassification(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, nil, Options{})

	actor := f.createActor(t)
	item := f.enqueue(t, actor.ID, "Create", activity.PublicMarker)
	inboxes := []string{"https://a.example/inbox", "https://b.example/inbox", "https://c.example/inbox"}

	t.Run("retryable status queues every failed inbox", func(t *testing.T) {
		for _, inbox := range inboxes {
			f.deliverer.responses[inbox] = &transport.StatusError{Code: 503}
		}
		retry := f.service.SendToInboxes(ctx, inboxes, item)
		assert.ElementsMatch(inboxes, retry)
	})

	t.Run("terminal status drops", func(t *testing.T) {
		for _, inbox := range inboxes {
			f.deliverer.responses[inbox] = &transport.StatusError{Code: 404}
		}
		retry := f.service.SendToInboxes(ctx, inboxes, item)
		assert.Empty(retry)
	})

	t.Run("network error is retryable", func(t *testing.T) {
		f.deliverer.responses[inboxes[0]] = fmt.Errorf("connection refused")
		retry := f.service.SendToInboxes(ctx, inboxes[:1], item)
		assert.Equal(inboxes[:1], retry)
	})

	t.Run("gone status drops on first attempt", func(t *testing.T) {
		f.deliverer.responses[inboxes[0]] = &transport.StatusError{Code: 410}
		retry := f.service.SendToInboxes(ctx, inboxes[:1], item)
		assert.Empty(retry)
	})
}

func TestScheduleRetryBackoff(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, nil, Options{MaxAttempts: 3})

	observer := &recordingObserver{}
	f.service.SetObserver(observer)

	actor := f.createActor(t)
	item := f.enqueue(t, actor.ID, "Create", activity.PublicMarker)
	inbox := "https://flaky.example/inbox"
	f.deliverer.responses[inbox] = &transport.StatusError{Code: 503}

	f.service.ScheduleRetry([]string{inbox}, item.ID, 1)

	unit := time.Minute
	for _, wantDelay := range []time.Duration{unit, 4 * unit, 9 * unit} {
		task, ok := f.scheduler.pop()
		assert.True(ok)
		assert.Equal(wantDelay, task.delay)
		task.fn(ctx)
	}

	t.Run("no ticket beyond the attempt cap", func(t *testing.T) {
		assert.Equal(0, f.scheduler.pending())
		assert.Equal([]int{4}, observer.abandoned)
	})

	t.Run("expired ticket is abandoned unconsumed", func(t *testing.T) {
		f.service.ScheduleRetry([]string{inbox}, item.ID, 1)
		f.service.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

		sent := len(f.deliverer.sent())
		task, ok := f.scheduler.pop()
		assert.True(ok)
		task.fn(ctx)

		assert.Len(f.deliverer.sent(), sent, "no delivery from an expired ticket")
		assert.Equal(0, f.scheduler.pending())
	})
}

func TestProcess(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	t.Run("missing actor finalizes without sending", func(t *testing.T) {
		f := newFixture(t, []InboxProvider{staticProvider{"https://extra.example/inbox"}}, Options{})
		item := f.enqueue(t, 99, "Create", activity.PublicMarker)

		assert.Nil(f.service.Process(ctx, item.ID))

		got, err := f.outbox.Get(item.ID)
		assert.Nil(err)
		assert.Equal(model.OutboxStatusPublished, got.Status)
		assert.Empty(f.deliverer.sent())
	})

	t.Run("deletion proceeds without an actor", func(t *testing.T) {
		f := newFixture(t, nil, Options{BatchSize: 10})
		inboxes := f.addFollowers(t, 99, 2)
		item := f.enqueue(t, 99, "Delete", activity.PublicMarker)

		assert.Nil(f.service.Process(ctx, item.ID))
		assert.ElementsMatch(inboxes, f.deliverer.sent())

		got, err := f.outbox.Get(item.ID)
		assert.Nil(err)
		assert.Equal(model.OutboxStatusPublished, got.Status)
	})

	t.Run("additional inboxes sent unconditionally", func(t *testing.T) {
		f := newFixture(t, []InboxProvider{staticProvider{"https://extra.example/inbox"}}, Options{BatchSize: 10})
		actor := f.createActor(t)
		f.addFollowers(t, actor.ID, 1)

		// not public, not addressed to followers: no fan-out
		item := f.enqueue(t, actor.ID, "Create", "https://someone.example/users/bob")
		assert.Nil(f.service.Process(ctx, item.ID))

		assert.Equal([]string{"https://extra.example/inbox"}, f.deliverer.sent())
		got, err := f.outbox.Get(item.ID)
		assert.Nil(err)
		assert.Equal(model.OutboxStatusPublished, got.Status)
	})

	t.Run("followers audience triggers fan-out", func(t *testing.T) {
		f := newFixture(t, nil, Options{BatchSize: 10})
		actor := f.createActor(t)
		inboxes := f.addFollowers(t, actor.ID, 3)

		item := f.enqueue(t, actor.ID, "Create", actor.FollowersURI)
		assert.Nil(f.service.Process(ctx, item.ID))
		assert.ElementsMatch(inboxes, f.deliverer.sent())
	})

	t.Run("no followers means no fan-out", func(t *testing.T) {
		f := newFixture(t, nil, Options{BatchSize: 10})
		actor := f.createActor(t)

		item := f.enqueue(t, actor.ID, "Create", activity.PublicMarker)
		assert.Nil(f.service.Process(ctx, item.ID))
		assert.Empty(f.deliverer.sent())

		got, err := f.outbox.Get(item.ID)
		assert.Nil(err)
		assert.Equal(model.OutboxStatusPublished, got.Status)
	})

	t.Run("fan-out policy can suppress", func(t *testing.T) {
		f := newFixture(t, nil, Options{BatchSize: 10})
		actor := f.createActor(t)
		f.addFollowers(t, actor.ID, 2)

		f.service.SetFanoutPolicy(FanoutPolicyFunc(func(item *model.OutboxItem, a *activity.Activity, actor *model.LocalActor) bool {
			return false
		}))

		item := f.enqueue(t, actor.ID, "Create", activity.PublicMarker)
		assert.Nil(f.service.Process(ctx, item.ID))
		assert.Empty(f.deliverer.sent())
	})
}

func TestSendImmediateAccept(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t, []InboxProvider{staticProvider{"https://peer.example/inbox"}}, Options{})

	actor := f.createActor(t)
	f.addFollowers(t, actor.ID, 2)

	a := &activity.Activity{
		ID:    "https://local.example/activities/accept-1",
		Type:  "Accept",
		Actor: actor.URI,
		To:    activity.StringList{"https://peer.example/users/bob"},
	}
	item, err := f.outbox.Enqueue(actor.ID, a)
	assert.Nil(err)

	assert.Nil(f.service.SendImmediateAccept(ctx, item.ID, a))

	assert.Equal([]string{"https://peer.example/inbox"}, f.deliverer.sent(), "no follower fan-out on the fast path")
	got, err := f.outbox.Get(item.ID)
	assert.Nil(err)
	assert.Equal(model.OutboxStatusPublished, got.Status)

	t.Run("non-accept is a no-op", func(t *testing.T) {
		other := &activity.Activity{ID: "https://local.example/activities/2", Type: "Create"}
		assert.Nil(f.service.SendImmediateAccept(ctx, item.ID, other))
	})
}
