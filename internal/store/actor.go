package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"uk.co.dudmesh.federate/internal/model"
)

type ActorStore struct {
	db *sqlx.DB
}

func NewActorStore(db *sqlx.DB) (*ActorStore, error) {
	s := &ActorStore{db}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("creating actor tables: %w", err)
	}
	return s, nil
}

func (s *ActorStore) init() error {
	_, err := s.db.Exec(`create table if not exists actor(
		ID             integer primary key autoincrement,
		CreatedAt      DATETIME not null,
		Handle         text not null,
		URI            text not null unique,
		FollowersURI   text not null,
		InboxURI       text not null,
		SharedInboxURI text not null default ''
	)`)
	return err
}

func (s *ActorStore) Create(actor *model.LocalActor) error {
	if actor.CreatedAt.IsZero() {
		actor.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.NamedExec(`insert into actor
		(CreatedAt, Handle, URI, FollowersURI, InboxURI, SharedInboxURI)
		values(:CreatedAt, :Handle, :URI, :FollowersURI, :InboxURI, :SharedInboxURI)`, actor)
	if err != nil {
		return fmt.Errorf("inserting actor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting actor id: %w", err)
	}
	actor.ID = model.ActorID(id)
	return nil
}

func (s *ActorStore) Get(id model.ActorID) (*model.LocalActor, error) {
	actor := &model.LocalActor{}
	err := s.db.Get(actor, `select * from actor where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorActorNotFound
		}
		return nil, fmt.Errorf("fetching actor: %w", err)
	}
	return actor, nil
}
