package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHandlerReturnsNotConfiguredWithoutProvider(t *testing.T) {
	srv := NewServer(0, "", nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	srv.statusHandler()(rec, req)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not configured", body["status"])
}

func TestStatusHandlerReturnsProviderSnapshot(t *testing.T) {
	srv := NewServer(0, "", func() any { return map[string]int{"uptime_seconds": 42} })
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	srv.statusHandler()(rec, req)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 42, body["uptime_seconds"])
}

func TestAuthGateRejectsWithoutCredentials(t *testing.T) {
	srv := NewServer(0, "secret", func() any { return "ok" })
	handler := srv.authGate(srv.statusHandler())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthGateAcceptsCorrectPassword(t *testing.T) {
	srv := NewServer(0, "secret", func() any { return "ok" })
	handler := srv.authGate(srv.statusHandler())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("bot", "secret")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthGateDisabledWhenPasswordEmpty(t *testing.T) {
	srv := NewServer(0, "", func() any { return "ok" })
	handler := srv.authGate(srv.statusHandler())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerShutdownWithoutStartIsNoop(t *testing.T) {
	srv := NewServer(0, "", nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
