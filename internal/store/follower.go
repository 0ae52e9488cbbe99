package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"uk.co.dudmesh.federate/internal/model"
)

// FollowerStore holds each local actor's remote followers. Inbox URLs are
// captured on follow so batch fan-out pages straight out of this table.
type FollowerStore struct {
	db *sqlx.DB
}

func NewFollowerStore(db *sqlx.DB) (*FollowerStore, error) {
	s := &FollowerStore{db}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("creating follower tables: %w", err)
	}
	return s, nil
}

func (s *FollowerStore) init() error {
	_, err := s.db.Exec(`create table if not exists follower(
		ID             integer primary key autoincrement,
		CreatedAt      DATETIME not null,
		ActorID        integer not null,
		FollowerURI    text not null,
		InboxURI       text not null,
		SharedInboxURI text not null default '',
		unique(ActorID, FollowerURI)
	)`)
	return err
}

func (s *FollowerStore) Upsert(follower *model.Follower) error {
	if follower.CreatedAt.IsZero() {
		follower.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`insert into follower
		(CreatedAt, ActorID, FollowerURI, InboxURI, SharedInboxURI)
		values(:CreatedAt, :ActorID, :FollowerURI, :InboxURI, :SharedInboxURI)
		on conflict(ActorID, FollowerURI) do update set
			InboxURI = excluded.InboxURI,
			SharedInboxURI = excluded.SharedInboxURI`, follower)
	if err != nil {
		return fmt.Errorf("upserting follower: %w", err)
	}
	return nil
}

func (s *FollowerStore) Remove(actorID model.ActorID, followerURI string) error {
	_, err := s.db.Exec(`delete from follower where ActorID = ? and FollowerURI = ?`, actorID, followerURI)
	if err != nil {
		return fmt.Errorf("removing follower: %w", err)
	}
	return nil
}

func (s *FollowerStore) Count(actorID model.ActorID) (int, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from follower where ActorID = ?`, actorID)
	if err != nil {
		return 0, fmt.Errorf("counting followers: %w", err)
	}
	return count, nil
}

// InboxPage returns up to limit follower inbox URLs starting at offset, in
// stable insertion order. A follower's shared inbox is preferred when set.
func (s *FollowerStore) InboxPage(actorID model.ActorID, limit, offset int) ([]string, error) {
	inboxes := []string{}
	err := s.db.Select(&inboxes, `select
			case when SharedInboxURI != '' then SharedInboxURI else InboxURI end
		from follower where ActorID = ? order by ID limit ? offset ?`, actorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("paging follower inboxes: %w", err)
	}
	return inboxes, nil
}
