package store

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/pkg/activity"
)

func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testActivity(t *testing.T, originID string) *activity.Activity {
	t.Helper()
	a, err := activity.Parse([]byte(`{
		"id": "` + originID + `",
		"type": "create",
		"actor": "https://remote.example/users/alice",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"object": {"type": "Note", "content": "hi"}
	}`))
	require.Nil(t, err)
	return a
}

func TestInboxAdd(t *testing.T) {
	assert := assert.New(t)
	s, err := NewInboxStore(testDB(t))
	assert.Nil(err)

	origin := "https://remote.example/activities/1"

	t.Run("first delivery creates", func(t *testing.T) {
		id, err := s.Add(testActivity(t, origin), []model.ActorID{1, 2})
		assert.Nil(err)
		assert.NotEmpty(id)

		item, err := s.Get(id)
		assert.Nil(err)
		assert.Equal(origin, item.OriginID)
		assert.Equal("Create", item.Kind)
		assert.Equal("https://remote.example/users/alice", item.SenderURI)
		assert.Equal(model.VisibilityPublic, item.Visibility)
		assert.Equal([]model.ActorID{1, 2}, item.Recipients)
	})

	t.Run("repeat delivery merges", func(t *testing.T) {
		first, err := s.Add(testActivity(t, origin), []model.ActorID{2, 3})
		assert.Nil(err)

		again, err := s.Add(testActivity(t, origin), []model.ActorID{3})
		assert.Nil(err)
		assert.Equal(first, again)

		item, err := s.Get(first)
		assert.Nil(err)
		assert.Equal([]model.ActorID{1, 2, 3}, item.Recipients)
	})

	t.Run("empty recipients rejected", func(t *testing.T) {
		_, err := s.Add(testActivity(t, "https://remote.example/activities/2"), nil)
		assert.ErrorIs(err, model.ErrorNoRecipients)
	})

	t.Run("private without public marker", func(t *testing.T) {
		a, err := activity.Parse([]byte(`{"id":"https://remote.example/activities/3","type":"Create","actor":"https://remote.example/users/alice","to":["https://local.example/actors/1"]}`))
		assert.Nil(err)
		id, err := s.Add(a, []model.ActorID{1})
		assert.Nil(err)
		item, err := s.Get(id)
		assert.Nil(err)
		assert.Equal(model.VisibilityPrivate, item.Visibility)
	})
}

func TestInboxRecipients(t *testing.T) {
	assert := assert.New(t)
	s, err := NewInboxStore(testDB(t))
	assert.Nil(err)

	id, err := s.Add(testActivity(t, "https://remote.example/activities/10"), []model.ActorID{1})
	assert.Nil(err)

	t.Run("add is idempotent", func(t *testing.T) {
		assert.Nil(s.AddRecipient(id, 1))
		assert.Nil(s.AddRecipient(id, 1))
		recipients, err := s.Recipients(id)
		assert.Nil(err)
		assert.Equal([]model.ActorID{1}, recipients)
	})

	t.Run("negative actor rejected", func(t *testing.T) {
		assert.ErrorIs(s.AddRecipient(id, -1), model.ErrorInvalidRecipient)
	})

	t.Run("remove non-member is a benign failure", func(t *testing.T) {
		removed, err := s.RemoveRecipient(id, 99)
		assert.Nil(err)
		assert.False(removed)
		recipients, err := s.Recipients(id)
		assert.Nil(err)
		assert.Equal([]model.ActorID{1}, recipients)
	})

	t.Run("remove member", func(t *testing.T) {
		assert.Nil(s.AddRecipients(id, []model.ActorID{2, 3, 2}))
		removed, err := s.RemoveRecipient(id, 2)
		assert.Nil(err)
		assert.True(removed)
		recipients, err := s.Recipients(id)
		assert.Nil(err)
		assert.Equal([]model.ActorID{1, 3}, recipients)
	})

	t.Run("has recipient", func(t *testing.T) {
		ok, err := s.HasRecipient(id, 1)
		assert.Nil(err)
		assert.True(ok)
		ok, err = s.HasRecipient(id, 42)
		assert.Nil(err)
		assert.False(ok)
	})
}

func TestInboxDeduplicate(t *testing.T) {
	assert := assert.New(t)
	db := testDB(t)
	s, err := NewInboxStore(db)
	assert.Nil(err)

	origin := "https://remote.example/activities/20"

	// Insert three rows for one origin directly, simulating the
	// concurrent-ingestion race Add cannot produce on its own.
	insert := func(id string, recipients []model.ActorID) {
		a := testActivity(t, origin)
		payload, err := a.Bytes()
		assert.Nil(err)
		_, err = db.Exec(`insert into inbox (ID, CreatedAt, OriginID, Kind, SenderURI, Payload, Visibility)
			values(?, datetime('now', '-'||?||' seconds'), ?, 'Create', ?, ?, 1)`,
			id, id, origin, a.Actor, payload)
		assert.Nil(err)
		assert.Nil(s.AddRecipients(id, recipients))
	}
	insert("3", []model.ActorID{1, 2})
	insert("2", []model.ActorID{3, 4})
	insert("1", []model.ActorID{5})

	survivor, err := s.Deduplicate(origin)
	assert.Nil(err)
	assert.Equal("3", survivor.ID)
	assert.Equal([]model.ActorID{1, 2, 3, 4, 5}, survivor.Recipients)

	var count int
	assert.Nil(db.Get(&count, `select count(*) from inbox where OriginID = ?`, origin))
	assert.Equal(1, count)

	t.Run("unknown origin", func(t *testing.T) {
		_, err := s.Deduplicate("https://remote.example/activities/none")
		assert.ErrorIs(err, model.ErrorItemNotFound)
	})
}

func TestInboxGetByOriginAndRecipient(t *testing.T) {
	assert := assert.New(t)
	s, err := NewInboxStore(testDB(t))
	assert.Nil(err)

	origin := "https://remote.example/activities/30"
	_, err = s.Add(testActivity(t, origin), []model.ActorID{1})
	assert.Nil(err)

	item, err := s.GetByOriginAndRecipient(origin, 1)
	assert.Nil(err)
	assert.Equal(origin, item.OriginID)

	_, err = s.GetByOriginAndRecipient(origin, 2)
	assert.ErrorIs(err, model.ErrorNotARecipient)

	_, err = s.GetByOriginAndRecipient("https://remote.example/activities/none", 1)
	assert.ErrorIs(err, model.ErrorItemNotFound)
}
