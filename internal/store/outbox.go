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

type OutboxStore struct {
	db *sqlx.DB
}

func NewOutboxStore(db *sqlx.DB) (*OutboxStore, error) {
	s := &OutboxStore{db}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("creating outbox tables: %w", err)
	}
	return s, nil
}

func (s *OutboxStore) init() error {
	_, err := s.db.Exec(`create table if not exists outbox(
		ID        text not null primary key,
		CreatedAt DATETIME not null,
		UpdatedAt DATETIME null,
		Status    tinyint not null default 0,
		ActorID   integer not null,
		Kind      text not null,
		Payload   blob not null,
		BatchOffset integer null
	)`)
	return err
}

// Enqueue stores a locally authored activity as a pending delivery.
func (s *OutboxStore) Enqueue(actorID model.ActorID, a *activity.Activity) (*model.OutboxItem, error) {
	payload, err := a.Bytes()
	if err != nil {
		return nil, fmt.Errorf("serializing activity: %w", err)
	}

	item := &model.OutboxItem{
		ID:        model.CreateID(),
		CreatedAt: time.Now().UTC(),
		Status:    model.OutboxStatusPending,
		ActorID:   actorID,
		Kind:      activity.NormalizeKind(a.Type),
		Payload:   payload,
	}

	_, err = s.db.NamedExec(`insert into outbox
		(ID, CreatedAt, Status, ActorID, Kind, Payload, BatchOffset)
		values(:ID, :CreatedAt, :Status, :ActorID, :Kind, :Payload, :BatchOffset)`, item)
	if err != nil {
		return nil, fmt.Errorf("inserting outbox entry: %w", err)
	}

	return item, nil
}

func (s *OutboxStore) Get(id string) (*model.OutboxItem, error) {
	item := &model.OutboxItem{}
	err := s.db.Get(item, `select * from outbox where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorItemNotFound
		}
		return nil, fmt.Errorf("fetching outbox entry: %w", err)
	}
	return item, nil
}

func (s *OutboxStore) SetStatus(id string, status model.OutboxStatus) error {
	_, err := s.db.Exec(`update outbox set Status = ?, UpdatedAt = ? where ID = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating outbox status: %w", err)
	}
	return nil
}

// SetOffset moves the follower-page resumption cursor; nil clears it.
func (s *OutboxStore) SetOffset(id string, offset *int) error {
	_, err := s.db.Exec(`update outbox set BatchOffset = ?, UpdatedAt = ? where ID = ?`,
		offset, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating outbox offset: %w", err)
	}
	return nil
}

// Finalize marks the item published and clears the cursor. Safe to repeat.
func (s *OutboxStore) Finalize(id string) error {
	_, err := s.db.Exec(`update outbox set Status = ?, BatchOffset = null, UpdatedAt = ? where ID = ?`,
		model.OutboxStatusPublished, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finalizing outbox entry: %w", err)
	}
	return nil
}

func (s *OutboxStore) Delete(id string) error {
	_, err := s.db.Exec(`delete from outbox where ID = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting outbox entry: %w", err)
	}
	return nil
}
