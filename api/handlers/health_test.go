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

	"github.com/BaSui01/blueprintflow/internal/pool"
)

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func ready(t *testing.T, h *HealthHandler) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return w.Code, status
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(nil, zap.NewNop())

	for _, fn := range []http.HandlerFunc{handler.HandleHealth, handler.HandleHealthz} {
		w := httptest.NewRecorder()
		fn(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var status HealthStatus
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "healthy", status.Status)
		assert.False(t, status.Timestamp.IsZero())
		assert.Nil(t, status.Engine)
	}
}

func TestHealthHandler_ReadyWithoutDependencies(t *testing.T) {
	code, status := ready(t, NewHealthHandler(nil, nil))

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", status.Status)
	assert.Nil(t, status.Engine)
	assert.Nil(t, status.Audit)
}

func TestHealthHandler_ReadyReportsPool(t *testing.T) {
	workers := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 4}, zap.NewNop())
	handler := NewHealthHandler(workers, zap.NewNop())

	code, status := ready(t, handler)
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, status.Engine)
	assert.Equal(t, "healthy", status.Engine.Status)
	assert.Equal(t, 4, status.Engine.Pool.QueueCap)

	workers.Close()
	code, status = ready(t, handler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "worker pool is closed", status.Engine.Reason)
}

func TestHealthHandler_ReadyFailsWhenQueueFull(t *testing.T) {
	workers := pool.New(pool.Config{MaxWorkers: 1, QueueSize: 1}, zap.NewNop())
	defer workers.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, workers.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	}))
	<-running
	require.NoError(t, workers.TrySubmit(context.Background(), func(ctx context.Context) error { return nil }))

	code, status := ready(t, NewHealthHandler(workers, zap.NewNop()))
	close(release)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NotNil(t, status.Engine)
	assert.Equal(t, "node task queue is full", status.Engine.Reason)
	assert.Equal(t, 1, status.Engine.Pool.Queued)
}

func TestHealthHandler_ReadyReportsAudit(t *testing.T) {
	tests := []struct {
		name     string
		ping     pingFunc
		wantCode int
		wantMsg  string
	}{
		{
			name:     "reachable",
			ping:     func(context.Context) error { return nil },
			wantCode: http.StatusOK,
		},
		{
			name:     "unreachable",
			ping:     func(context.Context) error { return errors.New("connection refused") },
			wantCode: http.StatusServiceUnavailable,
			wantMsg:  "connection refused",
		},
		{
			name: "probe carries deadline",
			ping: func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); !ok {
					return errors.New("no deadline")
				}
				return nil
			},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(nil, nil).WithAudit("redis", tt.ping)

			code, status := ready(t, handler)
			assert.Equal(t, tt.wantCode, code)
			require.NotNil(t, status.Audit)
			assert.Equal(t, "redis", status.Audit.Backend)
			assert.Equal(t, tt.wantMsg, status.Audit.Message)
			assert.NotEmpty(t, status.Audit.Latency)
			if tt.wantMsg != "" {
				assert.Equal(t, "unhealthy", status.Audit.Status)
				assert.Equal(t, "unhealthy", status.Status)
			}
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(nil, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("1.2.3", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.3", resp.Data["version"])
	assert.Equal(t, "abc123", resp.Data["git_commit"])
}
