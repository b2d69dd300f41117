package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := NewHealthHandler(BuildInfo{Version: "1.2.3"}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantBody:   "healthy",
		},
		{
			name: "all pass",
			checks: []HealthCheck{
				NewPingCheck("database", func(context.Context) error { return nil }),
				NewPingCheck("redis", func(context.Context) error { return nil }),
			},
			wantStatus: http.StatusOK,
			wantBody:   "healthy",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				NewPingCheck("database", func(context.Context) error { return nil }),
				NewPingCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(BuildInfo{}, nil)
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.wantBody, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "fail", status.Checks["redis"].Status)
				assert.Equal(t, "connection refused", status.Checks["redis"].Message)
				assert.Equal(t, "pass", status.Checks["database"].Status)
			}
		})
	}
}

func TestHealthHandler_ReadyUsesRequestContext(t *testing.T) {
	h := NewHealthHandler(BuildInfo{}, nil)
	h.RegisterCheck(NewPingCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/ready", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.HandleReady(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	build := BuildInfo{Version: "1.0.0", BuildTime: "2026-01-01", GitCommit: "abc123"}
	h := NewHealthHandler(build, nil)

	w := httptest.NewRecorder()
	h.HandleVersion(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool      `json:"success"`
		Data    BuildInfo `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, build, resp.Data)
}
