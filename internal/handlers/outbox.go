package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/pkg/activity"
)

type OutboxStore interface {
	Enqueue(actorID model.ActorID, a *activity.Activity) (*model.OutboxItem, error)
}

type Dispatcher interface {
	Process(ctx context.Context, outboxItemID string) error
	SendImmediateAccept(ctx context.Context, outboxItemID string, a *activity.Activity) error
}

type Scheduler interface {
	Schedule(delay time.Duration, fn func(ctx context.Context))
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// PostOutbox enqueues a locally authored activity and hands it to the
// dispatcher. Accepts take the immediate path; everything else is
// dispatched asynchronously.
func PostOutbox(outbox OutboxStore, dispatcher Dispatcher, schedule Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		actorID, err := actorIDParam(c)
		if err != nil {
			return err
		}
		a, err := readActivity(c)
		if err != nil {
			return err
		}

		item, err := outbox.Enqueue(actorID, a)
		if err != nil {
			return mapError(err)
		}

		if item.Kind == "Accept" {
			if err := dispatcher.SendImmediateAccept(c.Request().Context(), item.ID, a); err != nil {
				return mapError(err)
			}
			return c.JSON(http.StatusAccepted, enqueueResponse{ID: item.ID})
		}

		schedule.Schedule(0, func(ctx context.Context) {
			if err := dispatcher.Process(ctx, item.ID); err != nil {
				log.Errorf("dispatching outbox item %s: %v", item.ID, err)
			}
		})
		return c.JSON(http.StatusAccepted, enqueueResponse{ID: item.ID})
	}
}
