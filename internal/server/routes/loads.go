package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/graphport/internal/queue"
	"github.com/OFFIS-RIT/graphport/internal/server/middleware"
	"github.com/OFFIS-RIT/graphport/internal/util"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
)

// PostLoadHandler queues a load of one or more runs for the worker.
func PostLoadHandler(c echo.Context) error {
	type postLoadBody struct {
		RunIDs []string `json:"run_ids" validate:"required,min=1,dive,required"`
		Target string   `json:"target"`
	}

	body := new(postLoadBody)
	if err := c.Bind(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	for _, id := range body.RunIDs {
		if !util.IsRunID(id) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid run id " + id})
		}
	}

	cc := c.(*middleware.AppContext)
	if cc.App.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Load queue not configured"})
	}
	target := body.Target
	if target == "" {
		target = cc.App.Target
	}

	req := queue.LoadRequest{RunIDs: body.RunIDs, Target: target, RequestedBy: cc.User.Subject}
	if err := queue.PublishLoadRequest(cc.App.Queue, req); err != nil {
		logger.Error("[Server] Failed to queue load", "runs", body.RunIDs, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "Load queued",
		"run_ids": body.RunIDs,
		"target":  target,
	})
}
