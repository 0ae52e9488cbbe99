package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/pkg/activity"
)

// InboxStore is the idempotent ingestion store for inbound activities. The
// activity's origin id is the dedup key: Add merges repeat deliveries into
// the recipient set of the existing item. OriginID deliberately carries no
// unique constraint; concurrent first deliveries can race, and Deduplicate
// is the invariant-restoring reconciliation pass for that case.
type InboxStore struct {
	db *sqlx.DB
}

func NewInboxStore(db *sqlx.DB) (*InboxStore, error) {
	s := &InboxStore{db}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("creating inbox tables: %w", err)
	}
	return s, nil
}

func (s *InboxStore) init() error {
	_, err := s.db.Exec(`create table if not exists inbox(
		ID         text not null primary key,
		CreatedAt  DATETIME not null,
		OriginID   text not null,
		Kind       text not null,
		SenderURI  text not null,
		Payload    blob not null,
		Visibility tinyint not null default 0,
		Errors     text not null default ''
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`create index if not exists inbox_origin on inbox(OriginID)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`create table if not exists inbox_recipient(
		ItemID  text not null,
		ActorID integer not null,
		unique(ItemID, ActorID)
	)`)
	return err
}

// Add ingests one inbound activity for the given recipients. When an item
// with the same origin id already exists the call is a merge: the new
// recipients are unioned in and the existing item's id is returned.
func (s *InboxStore) Add(a *activity.Activity, recipients []model.ActorID) (string, error) {
	normalized := normalizeRecipients(recipients)
	if len(normalized) == 0 {
		return "", model.ErrorNoRecipients
	}
	if a == nil || a.ID == "" {
		return "", model.ErrorInvalidActivity
	}

	existing, err := s.GetByOrigin(a.ID)
	if err != nil && !errors.Is(err, model.ErrorItemNotFound) {
		return "", err
	}
	if existing != nil {
		if err := s.AddRecipients(existing.ID, normalized); err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	payload, err := a.Bytes()
	if err != nil {
		return "", fmt.Errorf("serializing activity: %w", err)
	}

	visibility := model.VisibilityPrivate
	if a.IsPublic() {
		visibility = model.VisibilityPublic
	}

	item := &model.InboxItem{
		ID:         model.CreateID(),
		CreatedAt:  time.Now().UTC(),
		OriginID:   a.ID,
		Kind:       activity.NormalizeKind(a.Type),
		SenderURI:  a.Actor,
		Payload:    payload,
		Visibility: visibility,
	}

	_, err = s.db.NamedExec(`insert into inbox
		(ID, CreatedAt, OriginID, Kind, SenderURI, Payload, Visibility)
		values(:ID, :CreatedAt, :OriginID, :Kind, :SenderURI, :Payload, :Visibility)`, item)
	if err != nil {
		return "", fmt.Errorf("inserting inbox entry: %w", err)
	}

	if err := s.AddRecipients(item.ID, normalized); err != nil {
		return "", err
	}
	return item.ID, nil
}

func (s *InboxStore) Get(id string) (*model.InboxItem, error) {
	item := &model.InboxItem{}
	err := s.db.Get(item, `select * from inbox where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorItemNotFound
		}
		return nil, fmt.Errorf("fetching inbox entry: %w", err)
	}
	item.Recipients, err = s.Recipients(id)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetByOrigin returns the earliest item carrying the origin id.
func (s *InboxStore) GetByOrigin(originID string) (*model.InboxItem, error) {
	var id string
	err := s.db.Get(&id, `select ID from inbox where OriginID = ? order by CreatedAt, ID limit 1`, originID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorItemNotFound
		}
		return nil, fmt.Errorf("fetching inbox entry by origin: %w", err)
	}
	return s.Get(id)
}

// GetByOriginAndRecipient is fetch-with-authorization: the item comes back
// only when actorID is in its recipient set. A present item with a
// non-member actor returns ErrorNotARecipient so callers can tell a private
// delivery from a missing one.
func (s *InboxStore) GetByOriginAndRecipient(originID string, actorID model.ActorID) (*model.InboxItem, error) {
	item, err := s.GetByOrigin(originID)
	if err != nil {
		return nil, err
	}
	if !item.HasRecipient(actorID) {
		return nil, model.ErrorNotARecipient
	}
	return item, nil
}

func (s *InboxStore) Recipients(id string) ([]model.ActorID, error) {
	recipients := []model.ActorID{}
	err := s.db.Select(&recipients, `select ActorID from inbox_recipient where ItemID = ? order by ActorID`, id)
	if err != nil {
		return nil, fmt.Errorf("fetching recipients: %w", err)
	}
	return recipients, nil
}

func (s *InboxStore) HasRecipient(id string, actorID model.ActorID) (bool, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from inbox_recipient where ItemID = ? and ActorID = ?`, id, actorID)
	if err != nil {
		return false, fmt.Errorf("checking recipient: %w", err)
	}
	return count > 0, nil
}

// AddRecipient unions one actor into the item's recipient set. Adding an
// existing member is a no-op success.
func (s *InboxStore) AddRecipient(id string, actorID model.ActorID) error {
	if !actorID.Valid() {
		return model.ErrorInvalidRecipient
	}
	_, err := s.db.Exec(`insert or ignore into inbox_recipient (ItemID, ActorID) values(?, ?)`, id, actorID)
	if err != nil {
		return fmt.Errorf("adding recipient: %w", err)
	}
	return nil
}

func (s *InboxStore) AddRecipients(id string, actorIDs []model.ActorID) error {
	for _, actorID := range normalizeRecipients(actorIDs) {
		if err := s.AddRecipient(id, actorID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRecipient drops one actor from the recipient set. Removing a
// non-member reports false without error.
func (s *InboxStore) RemoveRecipient(id string, actorID model.ActorID) (bool, error) {
	res, err := s.db.Exec(`delete from inbox_recipient where ItemID = ? and ActorID = ?`, id, actorID)
	if err != nil {
		return false, fmt.Errorf("removing recipient: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// Deduplicate reconciles the race where concurrent ingestion created more
// than one item for one origin id: the earliest survives, every duplicate's
// recipient set is unioned into it, the duplicates are deleted.
func (s *InboxStore) Deduplicate(originID string) (*model.InboxItem, error) {
	ids := []string{}
	err := s.db.Select(&ids, `select ID from inbox where OriginID = ? order by CreatedAt, ID`, originID)
	if err != nil {
		return nil, fmt.Errorf("fetching duplicates: %w", err)
	}
	if len(ids) == 0 {
		return nil, model.ErrorItemNotFound
	}

	survivor := ids[0]
	for _, id := range ids[1:] {
		recipients, err := s.Recipients(id)
		if err != nil {
			return nil, err
		}
		if err := s.AddRecipients(survivor, recipients); err != nil {
			return nil, err
		}
		if err := s.Delete(id); err != nil {
			return nil, err
		}
	}

	return s.Get(survivor)
}

func (s *InboxStore) Delete(id string) error {
	if _, err := s.db.Exec(`delete from inbox_recipient where ItemID = ?`, id); err != nil {
		return fmt.Errorf("deleting recipients: %w", err)
	}
	if _, err := s.db.Exec(`delete from inbox where ID = ?`, id); err != nil {
		return fmt.Errorf("deleting inbox entry: %w", err)
	}
	return nil
}

// AppendError records a processing failure against the item.
func (s *InboxStore) AppendError(id string, message string) error {
	_, err := s.db.Exec(`update inbox set Errors = Errors || ? where ID = ?`, message+"\n", id)
	if err != nil {
		return fmt.Errorf("appending error: %w", err)
	}
	return nil
}

func normalizeRecipients(recipients []model.ActorID) []model.ActorID {
	seen := make(map[model.ActorID]bool, len(recipients))
	normalized := make([]model.ActorID, 0, len(recipients))
	for _, id := range recipients {
		if seen[id] {
			continue
		}
		seen[id] = true
		normalized = append(normalized, id)
	}
	return normalized
}
