package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.federate/internal/model"
	"uk.co.dudmesh.federate/pkg/activity"
)

type InboxService interface {
	Receive(ctx context.Context, a *activity.Activity, recipients []model.ActorID, delivery model.DeliveryContext) (string, error)
}

type InboxStore interface {
	GetByOriginAndRecipient(originID string, actorID model.ActorID) (*model.InboxItem, error)
}

type receiveResponse struct {
	ID string `json:"id,omitempty"`
}

// SharedInbox accepts deliveries addressed at the whole site.
func SharedInbox(inboxService InboxService) echo.HandlerFunc {
	return func(c echo.Context) error {
		a, err := readActivity(c)
		if err != nil {
			return err
		}
		id, err := inboxService.Receive(c.Request().Context(), a, []model.ActorID{model.SiteActorID}, model.DeliveryShared)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusAccepted, receiveResponse{ID: id})
	}
}

// ActorInbox accepts deliveries addressed at one local actor.
func ActorInbox(inboxService InboxService) echo.HandlerFunc {
	return func(c echo.Context) error {
		actorID, err := actorIDParam(c)
		if err != nil {
			return err
		}
		a, err := readActivity(c)
		if err != nil {
			return err
		}
		id, err := inboxService.Receive(c.Request().Context(), a, []model.ActorID{actorID}, model.DeliveryDirect)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusAccepted, receiveResponse{ID: id})
	}
}

// GetInboxItem fetches a stored item, authorized by recipient membership.
func GetInboxItem(inboxStore InboxStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		actorID, err := actorIDParam(c)
		if err != nil {
			return err
		}
		item, err := inboxStore.GetByOriginAndRecipient(c.QueryParam("origin"), actorID)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, item)
	}
}

func readActivity(c echo.Context) (*activity.Activity, error) {
	body := c.Request().Body
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	a, err := activity.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid activity")
	}
	return a, nil
}

func actorIDParam(c echo.Context) (model.ActorID, error) {
	id, err := strconv.ParseInt(c.Param("actorID"), 10, 64)
	if err != nil || id < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid actor id")
	}
	return model.ActorID(id), nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, model.ErrorInvalidActivity),
		errors.Is(err, model.ErrorNoRecipients),
		errors.Is(err, model.ErrorInvalidRecipient):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrorNotARecipient):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrorItemNotFound), errors.Is(err, model.ErrorActorNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return err
}
