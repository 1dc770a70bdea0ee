package middleware

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/graphport/internal/queue"
	"github.com/OFFIS-RIT/graphport/pkg/extract"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

type AppUser struct {
	Subject     string
	Role        string
	Permissions []string
}

// ProgressSource reports the extraction currently running in this process.
type ProgressSource interface {
	Progress() *extract.Progress
}

type App struct {
	RunsDir  string
	Progress ProgressSource
	// Store, when set, serves counts and entity lookups.
	Store store.GraphStore
	// Queue, when set, accepts load requests.
	Queue  queue.Channel
	Target string
	Key    jwt.Keyfunc
	APIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
