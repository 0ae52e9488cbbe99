package inbox

import (
	"context"
	"fmt"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/pkg/activity"
)

type Store interface {
	Add(a *activity.Activity, recipients []model.ActorID) (string, error)
	Get(id string) (*model.InboxItem, error)
	AppendError(id string, message string) error
}

type Gate interface {
	ActivityIsBlocked(ctx context.Context, a *activity.Activity, actorID model.ActorID) (bool, error)
}

// Handler is a type-specific side effect for one activity kind, supplied by
// the host platform. Handlers run once per recipient and only for direct
// deliveries.
type Handler interface {
	Handle(ctx context.Context, a *activity.Activity, recipient model.ActorID) error
}

type HandlerFunc func(ctx context.Context, a *activity.Activity, recipient model.ActorID) error

func (f HandlerFunc) Handle(ctx context.Context, a *activity.Activity, recipient model.ActorID) error {
	return f(ctx, a, recipient)
}

// StoragePolicy marks activity kinds that are processed for their side
// effect but never persisted.
type StoragePolicy interface {
	SkipStorage(kind string) bool
}

type KindPolicy map[string]bool

func (p KindPolicy) SkipStorage(kind string) bool {
	return p[kind]
}

// DefaultStoragePolicy skips deletions: a tombstone's only useful trace is
// its side effect, not an audit record.
func DefaultStoragePolicy() KindPolicy {
	return KindPolicy{"Delete": true}
}

// Service is the ingestion front of the inbox store: moderation first, then
// dedup/merge, then side effects according to the delivery context.
type Service struct {
	store    Store
	gate     Gate
	policy   StoragePolicy
	handlers map[string]Handler
}

func New(store Store, gate Gate, policy StoragePolicy) *Service {
	if policy == nil {
		policy = DefaultStoragePolicy()
	}
	return &Service{
		store:    store,
		gate:     gate,
		policy:   policy,
		handlers: make(map[string]Handler),
	}
}

func (s *Service) RegisterHandler(kind string, handler Handler) {
	s.handlers[activity.NormalizeKind(kind)] = handler
}

// Receive ingests one pushed activity. The returned id is empty when the
// activity was dropped by moderation or belongs to a skip-storage kind.
//
// Shared-context deliveries are stored and merged but fire no handlers;
// they are re-delivered per recipient through Fanout before side effects
// run, so one shared broadcast never executes a handler once per recipient
// at ingestion time.
func (s *Service) Receive(ctx context.Context, a *activity.Activity, recipients []model.ActorID, delivery model.DeliveryContext) (string, error) {
	if a == nil || a.ID == "" {
		return "", model.ErrorInvalidActivity
	}

	blocked, err := s.gate.ActivityIsBlocked(ctx, a, model.SiteActorID)
	if err != nil {
		return "", fmt.Errorf("evaluating site blocks: %w", err)
	}
	if blocked {
		log.Infof("dropping blocked activity %s", a.ID)
		return "", nil
	}

	allowed := make([]model.ActorID, 0, len(recipients))
	for _, recipient := range recipients {
		if !recipient.Valid() {
			return "", model.ErrorInvalidRecipient
		}
		if recipient != model.SiteActorID {
			blocked, err := s.gate.ActivityIsBlocked(ctx, a, recipient)
			if err != nil {
				return "", fmt.Errorf("evaluating actor blocks: %w", err)
			}
			if blocked {
				continue
			}
		}
		allowed = append(allowed, recipient)
	}
	if len(allowed) == 0 {
		if len(recipients) > 0 {
			log.Infof("dropping activity %s, all recipients block the sender", a.ID)
			return "", nil
		}
		return "", model.ErrorNoRecipients
	}

	kind := activity.NormalizeKind(a.Type)
	if s.policy.SkipStorage(kind) {
		for _, recipient := range allowed {
			s.runHandler(ctx, kind, a, recipient, "")
		}
		return "", nil
	}

	id, err := s.store.Add(a, allowed)
	if err != nil {
		return "", err
	}
	ingestedTotal.WithLabelValues(kind).Inc()

	if delivery == model.DeliveryDirect {
		for _, recipient := range allowed {
			s.runHandler(ctx, kind, a, recipient, id)
		}
	}

	return id, nil
}

// Fanout re-delivers a stored shared-context item to each of its recipients
// through the direct path, firing the type handlers exactly once per
// recipient.
func (s *Service) Fanout(ctx context.Context, itemID string) error {
	item, err := s.store.Get(itemID)
	if err != nil {
		return err
	}

	a, err := activity.Parse(item.Payload)
	if err != nil {
		return fmt.Errorf("parsing stored activity: %w", err)
	}

	for _, recipient := range item.Recipients {
		s.runHandler(ctx, item.Kind, a, recipient, item.ID)
	}
	return nil
}

// runHandler executes one side effect. Handler failures are recorded, never
// raised; ingestion must not fail a remote peer's delivery because a local
// side effect broke.
func (s *Service) runHandler(ctx context.Context, kind string, a *activity.Activity, recipient model.ActorID, itemID string) {
	handler, ok := s.handlers[kind]
	if !ok {
		return
	}
	if err := handler.Handle(ctx, a, recipient); err != nil {
		log.Errorf("handling %s activity %s for actor %d: %v", kind, a.ID, recipient, err)
		handlerFailures.WithLabelValues(kind).Inc()
		if itemID != "" {
			if err := s.store.AppendError(itemID, err.Error()); err != nil {
				log.Errorf("recording handler failure: %v", err)
			}
		}
	}
}
