package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"uk.co.dudmesh.federate/internal/model"
)

const acceptActivityJSON = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// Resolver turns a handle or actor URI into a remote actor profile.
type Resolver interface {
	ResolveActor(ctx context.Context, ref string) (*model.RemoteActor, error)
}

// ObjectFetcher retrieves a remote object document, used to find the author
// of a reply target.
type ObjectFetcher interface {
	FetchObject(ctx context.Context, objectURL string) (*RemoteObject, error)
}

type RemoteObject struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	AttributedTo string `json:"attributedTo"`
}

type actorDocument struct {
	ID                string `json:"id"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

type webfingerDocument struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

type service struct {
	client *retryablehttp.Client
	cache  *lru.LRU[string, *model.RemoteActor]
}

func New() *service {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil

	return &service{
		client: client,
		cache:  lru.NewLRU[string, *model.RemoteActor](4096, nil, 15*time.Minute),
	}
}

// ResolveActor accepts an https actor URI or a name@domain handle, with or
// without a leading @. Handles go through webfinger first.
func (s *service) ResolveActor(ctx context.Context, ref string) (*model.RemoteActor, error) {
	ref = strings.TrimSpace(strings.TrimPrefix(ref, "@"))
	if ref == "" {
		return nil, model.ErrorActorNotFound
	}

	if actor, ok := s.cache.Get(ref); ok {
		return actor, nil
	}

	actorURL := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		var err error
		actorURL, err = s.webfinger(ctx, ref)
		if err != nil {
			return nil, err
		}
	}

	doc := &actorDocument{}
	if err := s.fetchJSON(ctx, actorURL, doc); err != nil {
		return nil, fmt.Errorf("fetching actor document: %w", err)
	}
	if doc.ID == "" || doc.Inbox == "" {
		return nil, model.ErrorActorNotFound
	}

	actor := &model.RemoteActor{
		URI:            doc.ID,
		Handle:         doc.PreferredUsername,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
	}
	s.cache.Add(ref, actor)
	if ref != doc.ID {
		s.cache.Add(doc.ID, actor)
	}
	return actor, nil
}

func (s *service) FetchObject(ctx context.Context, objectURL string) (*RemoteObject, error) {
	object := &RemoteObject{}
	if err := s.fetchJSON(ctx, objectURL, object); err != nil {
		return nil, fmt.Errorf("fetching object: %w", err)
	}
	return object, nil
}

func (s *service) webfinger(ctx context.Context, handle string) (string, error) {
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", model.ErrorActorNotFound
	}

	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		parts[1], url.QueryEscape("acct:"+handle))

	doc := &webfingerDocument{}
	if err := s.fetchJSON(ctx, endpoint, doc); err != nil {
		return "", fmt.Errorf("webfinger lookup: %w", err)
	}

	for _, link := range doc.Links {
		if link.Rel == "self" && link.Href != "" {
			return link.Href, nil
		}
	}
	return "", model.ErrorActorNotFound
}

func (s *service) fetchJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", acceptActivityJSON)

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, res.Body)
		return fmt.Errorf("fetching %s: status %d", rawURL, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}
