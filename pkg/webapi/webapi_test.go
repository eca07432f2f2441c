package webapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthFollowsMark(t *testing.T) {
	srv := NewWebServer(WebServerOptions{Logger: zaptest.NewLogger(t)})
	h := srv.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/health", "").Code)

	srv.MarkHealthy(true)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/health", "").Code)
}

func TestMetricsAreServed(t *testing.T) {
	srv := NewWebServer(WebServerOptions{})
	rec := serve(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogLevelCanBeChanged(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	srv := NewWebServer(WebServerOptions{LogLevel: &level})
	h := srv.Handler()

	rec := serve(t, h, http.MethodPut, "/log-level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	rec = serve(t, h, http.MethodGet, "/log-level", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "debug")
}
