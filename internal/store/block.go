package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"uk.co.dudmesh.federate/internal/model"
)

// BlockStore persists block rules. Scope is a local actor id, with
// model.SiteActorID marking site-wide rules. Values are deduplicated per
// (scope, kind) by a unique index, so concurrent inserts are merge-safe.
type BlockStore struct {
	db *sqlx.DB
}

func NewBlockStore(db *sqlx.DB) (*BlockStore, error) {
	s := &BlockStore{db}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("creating block tables: %w", err)
	}
	return s, nil
}

func (s *BlockStore) init() error {
	_, err := s.db.Exec(`create table if not exists block(
		ID        integer primary key autoincrement,
		CreatedAt DATETIME not null,
		ActorID   integer not null,
		Kind      text not null,
		Value     text not null,
		unique(ActorID, Kind, Value)
	)`)
	return err
}

func (s *BlockStore) Add(scope model.ActorID, kind model.BlockKind, value string) error {
	_, err := s.db.Exec(`insert or ignore into block (CreatedAt, ActorID, Kind, Value) values(?, ?, ?, ?)`,
		time.Now().UTC(), scope, kind, value)
	if err != nil {
		return fmt.Errorf("inserting block entry: %w", err)
	}
	return nil
}

func (s *BlockStore) Remove(scope model.ActorID, kind model.BlockKind, value string) error {
	_, err := s.db.Exec(`delete from block where ActorID = ? and Kind = ? and Value = ?`, scope, kind, value)
	if err != nil {
		return fmt.Errorf("deleting block entry: %w", err)
	}
	return nil
}

func (s *BlockStore) Exists(scope model.ActorID, kind model.BlockKind, value string) (bool, error) {
	var count int
	err := s.db.Get(&count, `select count(*) from block where ActorID = ? and Kind = ? and Value = ?`,
		scope, kind, value)
	if err != nil {
		return false, fmt.Errorf("checking block entry: %w", err)
	}
	return count > 0, nil
}

func (s *BlockStore) List(scope model.ActorID, kind model.BlockKind) ([]string, error) {
	values := []string{}
	err := s.db.Select(&values, `select Value from block where ActorID = ? and Kind = ? order by Value`, scope, kind)
	if err != nil {
		return nil, fmt.Errorf("listing block entries: %w", err)
	}
	return values, nil
}
