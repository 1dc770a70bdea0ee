package server

import (
	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/graphport/internal/server/middleware"
	"github.com/OFFIS-RIT/graphport/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Run routes
	apiRoutes.GET("/runs", routes.GetRunsHandler, middleware.RequirePermission(middleware.PermRunsView))
	apiRoutes.GET("/runs/latest", routes.GetLatestRunHandler, middleware.RequirePermission(middleware.PermRunsView))
	apiRoutes.GET("/runs/latest/progress", routes.GetProgressHandler, middleware.RequirePermission(middleware.PermRunsView))
	apiRoutes.GET("/runs/:id", routes.GetRunHandler, middleware.RequirePermission(middleware.PermRunsView))

	// Load routes
	apiRoutes.POST("/loads", routes.PostLoadHandler, middleware.RequirePermission(middleware.PermRunsLoad))

	// Target routes
	apiRoutes.GET("/graph/counts", routes.GetCountsHandler, middleware.RequirePermission(middleware.PermGraphView))
	apiRoutes.GET("/graph/entities/:xid", routes.GetEntityHandler, middleware.RequirePermission(middleware.PermGraphView))
}
