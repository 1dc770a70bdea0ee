package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hmacSecret = []byte("jwks-stand-in")

func hmacKey(t *jwt.Token) (any, error) {
	return hmacSecret, nil
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(hmacSecret)
	require.NoError(t, err)
	return s
}

func serve(app *App, token string, h echo.HandlerFunc, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(AppContextMiddleware(app))
	e.GET("/api/x", h, append([]echo.MiddlewareFunc{AuthMiddleware}, mw...)...)

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	app := &App{Key: hmacKey, APIKey: "k"}
	var seen *AppUser
	h := func(c echo.Context) error {
		seen = c.(*AppContext).User
		return c.NoContent(http.StatusNoContent)
	}

	tests := []struct {
		name  string
		token string
		code  int
		sub   string
		perms []string
	}{
		{"missing header", "", http.StatusUnauthorized, "", nil},
		{"api key", "k", http.StatusNoContent, "api-key", allPermissions},
		{"garbage", "not.a.jwt", http.StatusUnauthorized, "", nil},
		{"expired", sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, "", nil},
		{"no subject", sign(t, jwt.MapClaims{"role": "admin"}), http.StatusUnauthorized, "", nil},
		{"plain user", sign(t, jwt.MapClaims{"sub": "u1"}), http.StatusNoContent, "u1", []string{PermRunsView}},
		{"admin", sign(t, jwt.MapClaims{"sub": "ops", "role": "admin"}), http.StatusNoContent, "ops", allPermissions},
		{"explicit permissions", sign(t, jwt.MapClaims{"sub": "ci", "permissions": []any{PermRunsLoad}}), http.StatusNoContent, "ci", []string{PermRunsLoad}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			rec := serve(app, tc.token, h)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code != http.StatusNoContent {
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, tc.sub, seen.Subject)
			assert.Equal(t, tc.perms, seen.Permissions)
		})
	}
}

func TestJWTRejectedWithoutKeySet(t *testing.T) {
	rec := serve(&App{APIKey: "k"}, sign(t, jwt.MapClaims{"sub": "u1"}), func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequirePermission(t *testing.T) {
	app := &App{Key: hmacKey}
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

	viewer := sign(t, jwt.MapClaims{"sub": "u1"})
	assert.Equal(t, http.StatusForbidden, serve(app, viewer, ok, RequirePermission(PermRunsLoad)).Code)
	assert.Equal(t, http.StatusNoContent, serve(app, viewer, ok, RequirePermission(PermRunsView)).Code)
}
