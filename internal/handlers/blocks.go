package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.federate/internal/model"
)

type ModerationGate interface {
	AddBlock(scope model.ActorID, kind model.BlockKind, value string) error
	RemoveBlock(scope model.ActorID, kind model.BlockKind, value string) error
}

type blockParams struct {
	Scope model.ActorID   `json:"scope"`
	Kind  model.BlockKind `json:"kind"`
	Value string          `json:"value"`
}

func AddBlock(gate ModerationGate) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &blockParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		if err := gate.AddBlock(params.Scope, params.Kind, params.Value); err != nil {
			return mapError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func RemoveBlock(gate ModerationGate) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &blockParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		if err := gate.RemoveBlock(params.Scope, params.Kind, params.Value); err != nil {
			return mapError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
