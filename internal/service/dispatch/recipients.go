package dispatch

import (
	"context"
	"net/url"
	"strings"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/internal/service/discovery"
	"uk.co.dudmesh.federate/pkg/activity"
)

// InboxProvider extends the delivery-target list beyond direct followers.
// Each strategy receives the accumulated list and returns an extended one;
// a target that cannot be resolved is skipped, never an error for the whole
// resolution.
type InboxProvider interface {
	AdditionalInboxes(ctx context.Context, a *activity.Activity, actor *model.LocalActor, inboxes []string) []string
}

type ActorResolver interface {
	ResolveActor(ctx context.Context, ref string) (*model.RemoteActor, error)
}

// MentionedActors resolves the to/cc audience, dropping the public marker
// and anything on the sender's own origin.
type MentionedActors struct {
	Resolver ActorResolver
}

func (p *MentionedActors) AdditionalInboxes(ctx context.Context, a *activity.Activity, actor *model.LocalActor, inboxes []string) []string {
	origin := senderOrigin(a, actor)
	for _, uri := range a.Audience() {
		if uri == activity.PublicMarker || sameOrigin(uri, origin) {
			continue
		}
		remote, err := p.Resolver.ResolveActor(ctx, uri)
		if err != nil {
			log.Debugf("resolving mentioned actor %s: %v", uri, err)
			continue
		}
		inboxes = append(inboxes, remote.PreferredInbox())
	}
	return inboxes
}

// ReplyTargets fetches each remote inReplyTo object and addresses its
// author, preferring the author's shared inbox.
type ReplyTargets struct {
	Fetcher  discovery.ObjectFetcher
	Resolver ActorResolver
}

func (p *ReplyTargets) AdditionalInboxes(ctx context.Context, a *activity.Activity, actor *model.LocalActor, inboxes []string) []string {
	origin := senderOrigin(a, actor)
	for _, target := range a.InReplyTo() {
		if sameOrigin(target, origin) {
			continue
		}
		object, err := p.Fetcher.FetchObject(ctx, target)
		if err != nil {
			log.Debugf("fetching reply target %s: %v", target, err)
			continue
		}
		if object.AttributedTo == "" {
			continue
		}
		remote, err := p.Resolver.ResolveActor(ctx, object.AttributedTo)
		if err != nil {
			log.Debugf("resolving reply author %s: %v", object.AttributedTo, err)
			continue
		}
		inboxes = append(inboxes, remote.PreferredInbox())
	}
	return inboxes
}

// Relays copies every public activity to the configured relay inboxes.
type Relays struct {
	Inboxes []string
}

func (p *Relays) AdditionalInboxes(ctx context.Context, a *activity.Activity, actor *model.LocalActor, inboxes []string) []string {
	if !a.IsPublic() {
		return inboxes
	}
	return append(inboxes, p.Inboxes...)
}

func senderOrigin(a *activity.Activity, actor *model.LocalActor) string {
	if actor != nil && actor.URI != "" {
		return hostOf(actor.URI)
	}
	return hostOf(a.Actor)
}

func sameOrigin(uri, origin string) bool {
	return origin != "" && hostOf(uri) == origin
}

func hostOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func dedupeInboxes(inboxes []string) []string {
	seen := make(map[string]bool, len(inboxes))
	deduped := make([]string, 0, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		deduped = append(deduped, inbox)
	}
	return deduped
}
