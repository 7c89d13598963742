package correlation_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkroad/pushgate/internal/platform/correlation"
)

func TestNewID(t *testing.T) {
	id := correlation.NewID()
	assert.Len(t, id, 8)
	assert.NotEqual(t, id, correlation.NewID())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := correlation.ID(ctx)
	assert.False(t, ok)

	ctx = correlation.WithID(ctx, "abcd1234")
	id, ok := correlation.ID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "abcd1234", id)
}

func TestMiddleware_GeneratesID(t *testing.T) {
	e := echo.New()
	e.Use(correlation.Middleware())

	var seen string
	e.GET("/", func(c echo.Context) error {
		seen, _ = correlation.ID(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(correlation.HeaderName))
}

func TestMiddleware_ReusesIncomingID(t *testing.T) {
	e := echo.New()
	e.Use(correlation.Middleware())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(correlation.HeaderName, "upstream-id")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", rec.Header().Get(correlation.HeaderName))
}

func TestHandler_InjectsAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(correlation.NewHandler(slog.NewTextHandler(&buf, nil)))

	ctx := correlation.WithID(context.Background(), "abcd1234")
	logger.InfoContext(ctx, "hello")
	assert.Contains(t, buf.String(), "correlation_id=abcd1234")

	buf.Reset()
	logger.Info("no context")
	assert.NotContains(t, buf.String(), "correlation_id")
}
