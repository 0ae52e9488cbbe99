package model

import "time"

type BlockKind string

const (
	BlockKindDomain  BlockKind = "domain"
	BlockKindActor   BlockKind = "actor"
	BlockKindKeyword BlockKind = "keyword"
)

func (k BlockKind) Known() bool {
	switch k {
	case BlockKindDomain, BlockKindActor, BlockKindKeyword:
		return true
	}
	return false
}

// BlockEntry is one block rule. ActorID scopes the rule to one local actor;
// SiteActorID marks a site-wide rule, which is always evaluated first.
type BlockEntry struct {
	ID        int64     `db:"ID"`
	CreatedAt time.Time `db:"CreatedAt"`
	ActorID   ActorID   `db:"ActorID"`
	Kind      BlockKind `db:"Kind"`
	Value     string    `db:"Value"`
}
