package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerHealthyWithNoChecks(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
}

func TestHealthCheckerCriticalFailureIsUnhealthy(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(&HealthCheck{
		Name:      "db",
		Critical:  true,
		CheckFunc: func(context.Context) error { return errors.New("down") },
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, HealthStatusUnhealthy, resp.Checks["db"].Status)
}

func TestHealthCheckerNonCriticalFailureIsDegraded(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(&HealthCheck{
		Name:      "cache",
		Critical:  false,
		CheckFunc: func(context.Context) error { return errors.New("slow") },
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
}

func TestHealthCheckerTimesOutSlowCheck(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
}

func TestHealthHandlerWritesJSON(t *testing.T) {
	InitHealthChecker()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	HealthHandler()(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthStatusHealthy, resp.Status)
}

func TestLivenessHandlerAlwaysAlive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()

	LivenessHandler()(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPingCheckNeverFails(t *testing.T) {
	c := PingCheck()
	assert.NoError(t, c.CheckFunc(context.Background()))
	assert.False(t, c.Critical)
}

func TestStoreCheckIsCritical(t *testing.T) {
	c := StoreCheck(func(context.Context) error { return nil })
	assert.True(t, c.Critical)
}
