package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/graphport/internal/server/middleware"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

func GetCountsHandler(c echo.Context) error {
	counter, ok := c.(*middleware.AppContext).App.Store.(store.Counter)
	if !ok {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "Target cannot count entities"})
	}
	counts, err := counter.Counts(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, counts)
}

func GetEntityHandler(c echo.Context) error {
	type getEntityParams struct {
		XID string `param:"xid" validate:"required"`
	}

	params := new(getEntityParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	inspector, ok := c.(*middleware.AppContext).App.Store.(store.Inspector)
	if !ok {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "Target cannot look up entities"})
	}
	entity, err := inspector.Entity(c.Request().Context(), params.XID)
	if errors.Is(err, store.ErrEntityNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Entity not found"})
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, entity)
}
