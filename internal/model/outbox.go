package model

import "time"

type OutboxStatus int

const (
	OutboxStatusPending OutboxStatus = iota
	OutboxStatusProcessing
	OutboxStatusPublished
)

// OutboxItem is one locally authored activity awaiting delivery. Offset is
// the follower-page resumption cursor; nil means no batch pass is in flight.
type OutboxItem struct {
	ID        string       `db:"ID"`
	CreatedAt time.Time    `db:"CreatedAt"`
	UpdatedAt *time.Time   `db:"UpdatedAt"`
	Status    OutboxStatus `db:"Status"`
	ActorID   ActorID      `db:"ActorID"`
	Kind      string       `db:"Kind"`
	Payload   []byte       `db:"Payload"`
	Offset    *int         `db:"BatchOffset"`
}

// RetryTicket carries one failed delivery attempt to its next try. It lives
// in the scheduled task's payload rather than a side table; ExpiresAt bounds
// how stale a ticket may be before it is abandoned unconsumed.
type RetryTicket struct {
	OutboxItemID string
	Inboxes      []string
	Attempt      int
	ExpiresAt    time.Time
}

func (t *RetryTicket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
