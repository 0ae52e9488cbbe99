package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/internal/task"
	"uk.co.dudmesh.federate/internal/transport"
	"uk.co.dudmesh.federate/pkg/activity"
)

type OutboxStore interface {
	Get(id string) (*model.OutboxItem, error)
	SetStatus(id string, status model.OutboxStatus) error
	SetOffset(id string, offset *int) error
	Finalize(id string) error
}

type ActorStore interface {
	Get(id model.ActorID) (*model.LocalActor, error)
}

type FollowerStore interface {
	InboxPage(actorID model.ActorID, limit, offset int) ([]string, error)
	Count(actorID model.ActorID) (int, error)
}

// Observer receives delivery lifecycle notifications. DeliveryAbandoned is
// the only signal an exhausted retry leaves behind.
type Observer interface {
	BeforeSend(outboxItemID, inbox string)
	AfterSend(outboxItemID, inbox string, err error)
	DeliveryAbandoned(outboxItemID string, inboxes []string, attempt int)
}

type NopObserver struct{}

func (NopObserver) BeforeSend(string, string)               {}
func (NopObserver) AfterSend(string, string, error)         {}
func (NopObserver) DeliveryAbandoned(string, []string, int) {}

// FanoutPolicy can suppress follower fan-out for an otherwise eligible
// activity.
type FanoutPolicy interface {
	AllowFanout(item *model.OutboxItem, a *activity.Activity, actor *model.LocalActor) bool
}

type FanoutPolicyFunc func(item *model.OutboxItem, a *activity.Activity, actor *model.LocalActor) bool

func (f FanoutPolicyFunc) AllowFanout(item *model.OutboxItem, a *activity.Activity, actor *model.LocalActor) bool {
	return f(item, a, actor)
}

type Options struct {
	BatchSize       int
	MaxAttempts     int
	RetryDelay      time.Duration
	RetryableCodes  map[int]bool
	SendConcurrency int
	SendRate        float64
}

func DefaultOptions() Options {
	return Options{
		BatchSize:       50,
		MaxAttempts:     3,
		RetryDelay:      time.Hour,
		RetryableCodes:  map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true},
		SendConcurrency: 8,
		SendRate:        20,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = defaults.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaults.RetryDelay
	}
	if len(o.RetryableCodes) == 0 {
		o.RetryableCodes = defaults.RetryableCodes
	}
	if o.SendConcurrency <= 0 {
		o.SendConcurrency = defaults.SendConcurrency
	}
	if o.SendRate <= 0 {
		o.SendRate = defaults.SendRate
	}
	return o
}

// Service fans one outbox item out to its resolved audience: additional
// recipients synchronously, followers in scheduler-resumed batches, failed
// inboxes through quadratically backed-off retry tickets.
type Service struct {
	outbox    OutboxStore
	actors    ActorStore
	followers FollowerStore
	deliverer transport.Deliverer
	scheduler task.Scheduler
	providers []InboxProvider
	policy    FanoutPolicy
	observer  Observer
	opts      Options
	limiter   *rate.Limiter
	now       func() time.Time
}

func New(outbox OutboxStore, actors ActorStore, followers FollowerStore, deliverer transport.Deliverer, scheduler task.Scheduler, providers []InboxProvider, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		outbox:    outbox,
		actors:    actors,
		followers: followers,
		deliverer: deliverer,
		scheduler: scheduler,
		providers: providers,
		policy:    FanoutPolicyFunc(defaultFanout),
		observer:  NopObserver{},
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendConcurrency),
		now:       time.Now,
	}
}

// SetFanoutPolicy overrides the follower fan-out decision.
func (s *Service) SetFanoutPolicy(policy FanoutPolicy) {
	if policy != nil {
		s.policy = policy
	}
}

func (s *Service) SetObserver(observer Observer) {
	if observer != nil {
		s.observer = observer
	}
}

// Process runs one outbox item's full dispatch pass. A missing owning actor
// finalizes the item with nothing sent, except for deletions, which must go
// out regardless.
func (s *Service) Process(ctx context.Context, outboxItemID string) error {
	item, err := s.outbox.Get(outboxItemID)
	if err != nil {
		return err
	}

	a, err := activity.Parse(item.Payload)
	if err != nil {
		return fmt.Errorf("parsing outbox payload: %w", err)
	}

	actor, err := s.actors.Get(item.ActorID)
	if err != nil {
		if !errors.Is(err, model.ErrorActorNotFound) {
			return err
		}
		if item.Kind != "Delete" {
			log.Infof("outbox item %s has no resolvable actor, finalizing", item.ID)
			return s.outbox.Finalize(item.ID)
		}
		actor = nil
	}

	if err := s.outbox.SetStatus(item.ID, model.OutboxStatusProcessing); err != nil {
		return err
	}

	additional := []string{}
	for _, provider := range s.providers {
		additional = provider.AdditionalInboxes(ctx, a, actor, additional)
	}
	additional = dedupeInboxes(additional)
	if len(additional) > 0 {
		if retry := s.SendToInboxes(ctx, additional, item); len(retry) > 0 {
			s.ScheduleRetry(retry, item.ID, 1)
		}
	}

	if !s.policy.AllowFanout(item, a, actor) {
		return s.outbox.Finalize(item.ID)
	}
	count, err := s.followers.Count(item.ActorID)
	if err != nil {
		return err
	}
	if count == 0 {
		return s.outbox.Finalize(item.ID)
	}

	return s.DispatchBatch(ctx, item.ID, s.opts.BatchSize, 0)
}

// defaultFanout sends to followers when the audience names the public
// marker or the actor's followers collection.
func defaultFanout(item *model.OutboxItem, a *activity.Activity, actor *model.LocalActor) bool {
	for _, uri := range a.Audience() {
		if uri == activity.PublicMarker {
			return true
		}
		if actor != nil && actor.FollowersURI != "" && uri == actor.FollowersURI {
			return true
		}
	}
	return false
}

// DispatchBatch delivers one follower page and either finalizes the item or
// advances the cursor and schedules the next page. Re-running with the same
// arguments re-sends the same page; storage effects do not duplicate.
func (s *Service) DispatchBatch(ctx context.Context, outboxItemID string, batchSize, offset int) error {
	item, err := s.outbox.Get(outboxItemID)
	if err != nil {
		return err
	}

	inboxes, err := s.followers.InboxPage(item.ActorID, batchSize, offset)
	if err != nil {
		return err
	}

	if retry := s.SendToInboxes(ctx, inboxes, item); len(retry) > 0 {
		s.ScheduleRetry(retry, item.ID, 1)
	}

	count, err := s.followers.Count(item.ActorID)
	if err != nil {
		return err
	}
	if len(inboxes) < batchSize || offset+len(inboxes) >= count {
		return s.outbox.Finalize(item.ID)
	}

	next := offset + batchSize
	if err := s.outbox.SetOffset(item.ID, &next); err != nil {
		return err
	}
	s.scheduler.Schedule(0, func(ctx context.Context) {
		if err := s.DispatchBatch(ctx, item.ID, batchSize, next); err != nil {
			log.Errorf("dispatching batch for %s at offset %d: %v", item.ID, next, err)
		}
	})
	return nil
}

// SendToInboxes delivers to each inbox and returns the ones that failed
// with a retryable condition. Terminal failures are dropped here.
func (s *Service) SendToInboxes(ctx context.Context, inboxes []string, item *model.OutboxItem) []string {
	var mu sync.Mutex
	retry := []string{}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.SendConcurrency)

	for _, inbox := range inboxes {
		inbox := inbox
		group.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				mu.Lock()
				retry = append(retry, inbox)
				mu.Unlock()
				return nil
			}

			s.observer.BeforeSend(item.ID, inbox)
			deliveriesAttempted.Inc()
			err := s.deliverer.Deliver(ctx, inbox, item.Payload, item.ActorID)
			s.observer.AfterSend(item.ID, inbox, err)
			if err == nil {
				return nil
			}

			if s.retryable(err) {
				deliveriesRetryable.Inc()
				mu.Lock()
				retry = append(retry, inbox)
				mu.Unlock()
			} else {
				deliveriesFailed.Inc()
				log.Infof("dropping delivery of %s to %s: %v", item.ID, inbox, err)
			}
			return nil
		})
	}
	group.Wait()

	return retry
}

// retryable classifies a delivery error: remote statuses in the configured
// set and plain network failures are worth another attempt.
func (s *Service) retryable(err error) bool {
	var status *transport.StatusError
	if errors.As(err, &status) {
		return s.opts.RetryableCodes[status.Code]
	}
	return true
}

// ScheduleRetry books a delayed re-attempt at now + attempt² × the retry
// delay unit. Once attempt exceeds the configured maximum the inboxes are
// abandoned; the observer signal and a counter are the only trace.
func (s *Service) ScheduleRetry(inboxes []string, outboxItemID string, attempt int) {
	if len(inboxes) == 0 {
		return
	}
	if attempt > s.opts.MaxAttempts {
		deliveriesAbandoned.Add(float64(len(inboxes)))
		s.observer.DeliveryAbandoned(outboxItemID, inboxes, attempt)
		log.Infof("abandoning delivery of %s to %d inboxes after %d attempts", outboxItemID, len(inboxes), attempt-1)
		return
	}

	delay := time.Duration(attempt*attempt) * s.opts.RetryDelay
	ticket := &model.RetryTicket{
		OutboxItemID: outboxItemID,
		Inboxes:      inboxes,
		Attempt:      attempt,
		ExpiresAt:    s.now().Add(delay + s.opts.RetryDelay),
	}
	retriesScheduled.Inc()

	s.scheduler.Schedule(delay, func(ctx context.Context) {
		s.consumeTicket(ctx, ticket)
	})
}

func (s *Service) consumeTicket(ctx context.Context, ticket *model.RetryTicket) {
	if ticket.Expired(s.now()) {
		deliveriesAbandoned.Add(float64(len(ticket.Inboxes)))
		s.observer.DeliveryAbandoned(ticket.OutboxItemID, ticket.Inboxes, ticket.Attempt)
		return
	}

	item, err := s.outbox.Get(ticket.OutboxItemID)
	if err != nil {
		log.Errorf("consuming retry ticket for %s: %v", ticket.OutboxItemID, err)
		return
	}

	if retry := s.SendToInboxes(ctx, ticket.Inboxes, item); len(retry) > 0 {
		s.ScheduleRetry(retry, item.ID, ticket.Attempt+1)
	}
}

// SendImmediateAccept is the fast path for accept/reject responses: a
// just-queued Accept goes straight to its direct recipients instead of
// waiting for the batch cycle.
func (s *Service) SendImmediateAccept(ctx context.Context, outboxItemID string, a *activity.Activity) error {
	if activity.NormalizeKind(a.Type) != "Accept" {
		return nil
	}

	item, err := s.outbox.Get(outboxItemID)
	if err != nil {
		return err
	}
	actor, err := s.actors.Get(item.ActorID)
	if err != nil && !errors.Is(err, model.ErrorActorNotFound) {
		return err
	}

	inboxes := []string{}
	for _, provider := range s.providers {
		inboxes = provider.AdditionalInboxes(ctx, a, actor, inboxes)
	}
	inboxes = dedupeInboxes(inboxes)
	if len(inboxes) == 0 {
		return s.outbox.Finalize(item.ID)
	}

	if retry := s.SendToInboxes(ctx, inboxes, item); len(retry) > 0 {
		s.ScheduleRetry(retry, item.ID, 1)
	}
	return s.outbox.Finalize(item.ID)
}
