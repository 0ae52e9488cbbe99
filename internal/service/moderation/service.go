package moderation

import (
	"context"
	"net/url"
	"strings"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/pkg/activity"
)

type BlockStore interface {
	Add(scope model.ActorID, kind model.BlockKind, value string) error
	Remove(scope model.ActorID, kind model.BlockKind, value string) error
	Exists(scope model.ActorID, kind model.BlockKind, value string) (bool, error)
	List(scope model.ActorID, kind model.BlockKind) ([]string, error)
}

type Resolver interface {
	ResolveActor(ctx context.Context, ref string) (*model.RemoteActor, error)
}

// DisallowList is the host platform's own global keyword source, applied as
// an implicit site-wide keyword block.
type DisallowList interface {
	Keywords(ctx context.Context) []string
}

type StaticDisallowList []string

func (l StaticDisallowList) Keywords(ctx context.Context) []string {
	return l
}

// Gate evaluates activities and actors against the block lists before any
// side effect runs. Site-wide rules always win over per-actor rules;
// domain matching is exact-host, never suffix.
type Gate struct {
	blocks   BlockStore
	resolver Resolver
	disallow DisallowList
}

func New(blocks BlockStore, resolver Resolver, disallow DisallowList) *Gate {
	if disallow == nil {
		disallow = StaticDisallowList(nil)
	}
	return &Gate{blocks: blocks, resolver: resolver, disallow: disallow}
}

// AddBlock stores one normalized block rule. Unknown kinds, invalid scopes
// and empty values are tolerated as no-op successes to keep call sites
// simple.
func (g *Gate) AddBlock(scope model.ActorID, kind model.BlockKind, value string) error {
	value, ok := normalizeRule(scope, kind, value)
	if !ok {
		return nil
	}
	return g.blocks.Add(scope, kind, value)
}

func (g *Gate) RemoveBlock(scope model.ActorID, kind model.BlockKind, value string) error {
	value, ok := normalizeRule(scope, kind, value)
	if !ok {
		return nil
	}
	return g.blocks.Remove(scope, kind, value)
}

// IsActorBlocked checks the actor's exact URI and its host. The site scope
// is consulted first and its verdict is final; only when it has no match is
// the per-actor scope consulted. Pass model.SiteActorID for no actor
// context. Malformed URIs are never blocked.
func (g *Gate) IsActorBlocked(ctx context.Context, actorURI string, actorID model.ActorID) (bool, error) {
	host, ok := hostOf(actorURI)
	if !ok {
		return false, nil
	}

	blocked, err := g.blockedInScope(model.SiteActorID, actorURI, host)
	if err != nil || blocked {
		return blocked, err
	}

	if actorID > model.SiteActorID {
		return g.blockedInScope(actorID, actorURI, host)
	}
	return false, nil
}

// ActivityIsBlocked is the full gate: domain/actor evaluation of the
// sending actor plus a keyword scan over the activity's textual fields and
// the platform disallow list. A bare-handle sender is resolved through
// discovery first so domain blocks apply to it too. Malformed input
// evaluates as not blocked.
func (g *Gate) ActivityIsBlocked(ctx context.Context, a *activity.Activity, actorID model.ActorID) (bool, error) {
	if a == nil {
		return false, nil
	}

	if actorURI := g.senderURI(ctx, a.Actor); actorURI != "" {
		blocked, err := g.IsActorBlocked(ctx, actorURI, actorID)
		if err != nil {
			return false, err
		}
		if blocked {
			return true, nil
		}
	}

	return g.keywordsMatch(ctx, a, actorID)
}

func (g *Gate) senderURI(ctx context.Context, ref string) string {
	if ref == "" {
		return ""
	}
	if _, ok := hostOf(ref); ok {
		return ref
	}
	actor, err := g.resolver.ResolveActor(ctx, ref)
	if err != nil {
		log.Debugf("resolving sender %s: %v", ref, err)
		return ""
	}
	return actor.URI
}

func (g *Gate) keywordsMatch(ctx context.Context, a *activity.Activity, actorID model.ActorID) (bool, error) {
	fields := a.TextFields()
	if len(fields) == 0 {
		return false, nil
	}

	keywords, err := g.blocks.List(model.SiteActorID, model.BlockKindKeyword)
	if err != nil {
		return false, err
	}
	if actorID > model.SiteActorID {
		actorKeywords, err := g.blocks.List(actorID, model.BlockKindKeyword)
		if err != nil {
			return false, err
		}
		keywords = append(keywords, actorKeywords...)
	}
	keywords = append(keywords, g.disallow.Keywords(ctx)...)

	for _, keyword := range keywords {
		keyword = strings.ToLower(keyword)
		if keyword == "" {
			continue
		}
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), keyword) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (g *Gate) blockedInScope(scope model.ActorID, actorURI, host string) (bool, error) {
	blocked, err := g.blocks.Exists(scope, model.BlockKindActor, actorURI)
	if err != nil || blocked {
		return blocked, err
	}
	return g.blocks.Exists(scope, model.BlockKindDomain, host)
}

func normalizeRule(scope model.ActorID, kind model.BlockKind, value string) (string, bool) {
	if !scope.Valid() || !kind.Known() {
		return "", false
	}
	switch kind {
	case model.BlockKindDomain:
		value = normalizeDomain(value)
	default:
		value = strings.TrimSpace(value)
	}
	if value == "" {
		return "", false
	}
	return value, true
}

// normalizeDomain reduces a domain rule to a bare lower-case hostname.
func normalizeDomain(value string) string {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "://") {
		if host, ok := hostOf(value); ok {
			return host
		}
		return ""
	}
	value = strings.TrimPrefix(value, "//")
	if i := strings.IndexAny(value, "/?#"); i >= 0 {
		value = value[:i]
	}
	if i := strings.IndexByte(value, ':'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(value)
}

// hostOf returns the lower-case host of an http(s) URI; anything else
// reports false.
func hostOf(uri string) (string, bool) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", false
	}
	if parsed.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(parsed.Hostname()), true
}
