package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"uk.co.dudmesh.federate/internal/model"
)

const ContentType = "application/activity+json"

// Deliverer pushes one activity body at one remote inbox on behalf of a
// local actor. Implementations surface remote rejection as a StatusError so
// the dispatcher can classify it.
type Deliverer interface {
	Deliver(ctx context.Context, inboxURL string, payload []byte, actorID model.ActorID) error
}

// StatusError is a delivery rejected by the remote end.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery failed with status %d", e.Code)
}

// RequestDecorator lets the signing collaborator stamp outgoing requests.
type RequestDecorator func(req *http.Request, actorID model.ActorID) error

type HTTPDeliverer struct {
	client    *http.Client
	userAgent string
	decorate  RequestDecorator
}

// NewHTTPDeliverer builds the production transport. The client timeout is
// the only bound on a hanging delivery; the engine never retries in here,
// retry policy belongs to the dispatcher.
func NewHTTPDeliverer(userAgent string, decorate RequestDecorator) *HTTPDeliverer {
	return &HTTPDeliverer{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: userAgent,
		decorate:  decorate,
	}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, inboxURL string, payload []byte, actorID model.ActorID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if d.decorate != nil {
		if err := d.decorate(req, actorID); err != nil {
			return fmt.Errorf("decorating delivery request: %w", err)
		}
	}

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to inbox: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Code: res.StatusCode}
	}
	return nil
}
