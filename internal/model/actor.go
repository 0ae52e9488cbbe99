package model

import "time"

// ActorID identifies a local actor. SiteActorID is the sentinel for the
// site-wide actor that shared-inbox deliveries may address.
type ActorID int64

const SiteActorID ActorID = 0

func (id ActorID) Valid() bool {
	return id >= SiteActorID
}

type LocalActor struct {
	ID             ActorID   `db:"ID"`
	CreatedAt      time.Time `db:"CreatedAt"`
	Handle         string    `db:"Handle"`
	URI            string    `db:"URI"`
	FollowersURI   string    `db:"FollowersURI"`
	InboxURI       string    `db:"InboxURI"`
	SharedInboxURI string    `db:"SharedInboxURI"`
}

// RemoteActor is the resolved profile of a federated identity.
type RemoteActor struct {
	URI            string
	Handle         string
	InboxURI       string
	SharedInboxURI string
}

// PreferredInbox returns the shared inbox when the peer advertises one.
func (a *RemoteActor) PreferredInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// Follower is one remote follower of a local actor. The inbox URLs are
// captured at follow time so fan-out never needs a resolution round-trip.
type Follower struct {
	ID             int64     `db:"ID"`
	CreatedAt      time.Time `db:"CreatedAt"`
	ActorID        ActorID   `db:"ActorID"`
	FollowerURI    string    `db:"FollowerURI"`
	InboxURI       string    `db:"InboxURI"`
	SharedInboxURI string    `db:"SharedInboxURI"`
}
