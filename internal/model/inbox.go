package model

import "time"

type Visibility int

const (
	VisibilityPrivate Visibility = iota
	VisibilityPublic
)

// DeliveryContext distinguishes an activity pushed at one actor's personal
// inbox from one pushed at the site-wide shared inbox.
type DeliveryContext int

const (
	DeliveryDirect DeliveryContext = iota
	DeliveryShared
)

// InboxItem is one de-duplicated inbound activity. OriginID is the
// protocol-assigned activity id and the dedup key: repeat deliveries merge
// into the recipient set of the existing row.
type InboxItem struct {
	ID         string     `db:"ID"`
	CreatedAt  time.Time  `db:"CreatedAt"`
	OriginID   string     `db:"OriginID"`
	Kind       string     `db:"Kind"`
	SenderURI  string     `db:"SenderURI"`
	Payload    []byte     `db:"Payload"`
	Visibility Visibility `db:"Visibility"`
	Errors     string     `db:"Errors"`
	Recipients []ActorID  `db:"-"`
}

func (i *InboxItem) HasRecipient(actorID ActorID) bool {
	for _, id := range i.Recipients {
		if id == actorID {
			return true
		}
	}
	return false
}
