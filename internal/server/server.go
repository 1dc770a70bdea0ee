// Package server is the status endpoint of a graphport process: run reports,
// live extraction progress, target counts and queued loads.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/OFFIS-RIT/graphport/internal/queue"
	mid "github.com/OFFIS-RIT/graphport/internal/server/middleware"
	"github.com/OFFIS-RIT/graphport/pkg/logger"
	"github.com/OFFIS-RIT/graphport/pkg/store"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

type Params struct {
	RunsDir  string
	Progress mid.ProgressSource
	Store    store.GraphStore
	Queue    queue.Channel
	Target   string
	APIKey   string
	// AuthURL serves the JWKS at AuthURL/jwks. Without it only the API key
	// is accepted.
	AuthURL string
}

// New builds the echo instance. It fetches the JWKS once when AuthURL is set.
func New(ctx context.Context, p Params) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	app := &mid.App{
		RunsDir:  p.RunsDir,
		Progress: p.Progress,
		Store:    p.Store,
		Queue:    p.Queue,
		Target:   p.Target,
		APIKey:   p.APIKey,
	}
	if p.AuthURL != "" {
		jwksURL := strings.TrimRight(p.AuthURL, "/") + "/jwks"
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, err
		}
		app.Key = k.Keyfunc
	}
	if app.Key == nil && app.APIKey == "" {
		logger.Warn("[Server] Neither STATUS_API_KEY nor AUTH_URL set, /api is closed")
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())

	RegisterRoutes(e)
	return e, nil
}

// Run serves e on addr until ctx is done.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] Starting status server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] Failed to shutdown server", "err", err)
		return err
	}
	return nil
}
