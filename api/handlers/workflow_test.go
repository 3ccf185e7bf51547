package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/api"
	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/audit"
	"github.com/BaSui01/blueprintflow/internal/metrics"
	"github.com/BaSui01/blueprintflow/internal/pool"
	"github.com/BaSui01/blueprintflow/workflow"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

const diamond = "[START>A/SUCCESS, A>B/SUCCESS, A>C/FAILURE, B>END/SUCCESS, C>END/SUCCESS]"

type envelope[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data"`
	Error   *ErrorInfo `json:"error"`
}

func newWorkflowMux(t *testing.T, deps WorkflowDeps) *http.ServeMux {
	t.Helper()
	if deps.Pool == nil {
		deps.Pool = pool.New(pool.Config{MaxWorkers: 8, QueueSize: 64}, zap.NewNop())
		t.Cleanup(deps.Pool.Close)
	}
	h := NewWorkflowHandler(deps, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/workflows/execute", h.HandleExecute)
	mux.HandleFunc("GET /v1/workflows/{id}/history", h.HandleHistory)
	mux.HandleFunc("GET /v1/workflows/{id}/audit", h.HandleAudit)
	return mux
}

func do[T any](t *testing.T, mux http.Handler, method, path, body string) (int, envelope[T]) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var env envelope[T]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env), w.Body.String())
	return w.Code, env
}

// =============================================================================
// 🧪 执行
// =============================================================================

func TestWorkflowHandler_ExecuteGraph(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{})

	code, env := do[api.ExecuteResponse](t, mux, http.MethodPost, "/v1/workflows/execute",
		`{"workflow_id":"wf-1","graph":"`+diamond+`","input":"hello"}`)

	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	resp := env.Data
	assert.Equal(t, "wf-1", resp.WorkflowID)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, workflow.EdgeLabelSuccess, resp.Status)
	assert.Equal(t, workflow.MustParse(diamond).String(), resp.Graph)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, workflow.NodeCompleted, resp.Nodes["A"].State)
	assert.Equal(t, workflow.NodeCompleted, resp.Nodes["B"].State)
	assert.Equal(t, workflow.NodeSkipped, resp.Nodes["C"].State)
	assert.Equal(t, workflow.NodeCompleted, resp.Nodes[workflow.EndNodeID].State)
	assert.Equal(t, "wf-1", resp.Output.WorkflowID)
}

func TestWorkflowHandler_ExecuteWithPlan(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{})

	code, env := do[api.ExecuteResponse](t, mux, http.MethodPost, "/v1/workflows/execute",
		`{"graph":"`+diamond+`","outcomes":{"A":"FAILURE"},"errors":["C"]}`)

	require.Equal(t, http.StatusOK, code)
	resp := env.Data
	assert.NotEmpty(t, resp.WorkflowID)
	assert.Equal(t, workflow.EdgeLabelFailure, resp.Status)
	assert.Equal(t, workflow.EdgeLabelFailure, resp.Nodes["A"].Label)
	assert.Equal(t, workflow.NodeSkipped, resp.Nodes["B"].State)
	assert.Equal(t, workflow.NodeFailed, resp.Nodes["C"].State)
	assert.Error(t, resp.Nodes["C"].Err)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "C")
}

func TestWorkflowHandler_ExecuteDefinition(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{})

	body := `{"definition":{"name":"deploy","steps":[
		{"id":"START","on_success":["build"]},
		{"id":"build","on_success":["END"]}
	]}}`
	code, env := do[api.ExecuteResponse](t, mux, http.MethodPost, "/v1/workflows/execute", body)

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[START>build/SUCCESS, build>END/SUCCESS]", env.Data.Graph)
	assert.Equal(t, workflow.NodeCompleted, env.Data.Nodes["build"].State)
	assert.Equal(t, 2, env.Data.Layers)
}

func TestWorkflowHandler_ExecuteErrors(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   api.ErrorCode
	}{
		{"missing graph", `{"input":"x"}`, http.StatusBadRequest, api.ErrInvalidRequest},
		{"graph and definition", `{"graph":"[START>END/SUCCESS]","definition":{"name":"x","steps":[]}}`, http.StatusBadRequest, api.ErrInvalidRequest},
		{"invalid graph", `{"graph":"[START>A/MAYBE]"}`, http.StatusBadRequest, api.ErrInvalidGraph},
		{"cyclic graph", `{"graph":"[START>A/SUCCESS, A>B/SUCCESS, B>A/SUCCESS, B>END/SUCCESS]"}`, http.StatusBadRequest, api.ErrInvalidGraph},
		{"invalid outcome", `{"graph":"[START>END/SUCCESS]","outcomes":{"A":"MAYBE"}}`, http.StatusBadRequest, api.ErrInvalidRequest},
		{"invalid delay", `{"graph":"[START>END/SUCCESS]","delays":{"A":"soon"}}`, http.StatusBadRequest, api.ErrInvalidRequest},
		{"invalid timeout", `{"graph":"[START>END/SUCCESS]","timeout":"-1s"}`, http.StatusBadRequest, api.ErrInvalidRequest},
		{"unknown field", `{"graph":"[START>END/SUCCESS]","retries":3}`, http.StatusBadRequest, api.ErrInvalidRequest},
		{
			"workflow timeout",
			`{"graph":"[START>A/SUCCESS, A>END/SUCCESS]","delays":{"A":"5s"},"timeout":"20ms"}`,
			http.StatusGatewayTimeout, api.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do[any](t, mux, http.MethodPost, "/v1/workflows/execute", tt.body)
			assert.Equal(t, tt.wantStatus, code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(tt.wantCode), env.Error.Code)
		})
	}
}

func TestRunError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      api.ErrorCode
		retryable bool
	}{
		{"engine closed mid-flight", fmt.Errorf("workflow(wf) cancelled: %w", &workflow.EngineClosedError{WorkflowID: "wf"}), api.ErrServiceUnavailable, true},
		{"deadline", fmt.Errorf("workflow(wf) cancelled: %w", context.DeadlineExceeded), api.ErrTimeout, false},
		{"client cancelled", fmt.Errorf("workflow(wf) cancelled: %w", context.Canceled), api.ErrWorkflowCancelled, false},
		{"bad graph", &workflow.GraphFormatError{Reason: "graph cannot be nil"}, api.ErrInvalidGraph, false},
		{"other", fmt.Errorf("boom"), api.ErrInternalError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := runError(tt.err)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.retryable, apiErr.Retryable)
			assert.ErrorIs(t, apiErr, tt.err)
		})
	}
}

func TestWorkflowHandler_ContentType(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{})

	r := httptest.NewRequest(http.MethodPost, "/v1/workflows/execute", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestWorkflowHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mux := newWorkflowMux(t, WorkflowDeps{Metrics: metrics.NewCollector("test", reg, zap.NewNop())})

	code, _ := do[api.ExecuteResponse](t, mux, http.MethodPost, "/v1/workflows/execute", `{"graph":"`+diamond+`"}`)
	require.Equal(t, http.StatusOK, code)

	n, err := testutil.GatherAndCount(reg, "test_workflow_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// 🧪 历史与审计查询
// =============================================================================

func TestWorkflowHandler_History(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{Engine: config.EngineConfig{HistoryMaxEntries: 10}})

	for i := 0; i < 2; i++ {
		code, _ := do[api.ExecuteResponse](t, mux, http.MethodPost, "/v1/workflows/execute",
			`{"workflow_id":"wf-h","graph":"[START>A/SUCCESS, A>END/SUCCESS]"}`)
		require.Equal(t, http.StatusOK, code)
	}

	code, env := do[[]*workflow.ExecutionHistory](t, mux, http.MethodGet, "/v1/workflows/wf-h/history", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, env.Data, 2)
	assert.Equal(t, "wf-h", env.Data[0].WorkflowID)
	assert.Equal(t, workflow.ExecutionStatusCompleted, env.Data[0].Status)
	assert.NotEqual(t, env.Data[0].ExecutionID, env.Data[1].ExecutionID)

	code, env2 := do[any](t, mux, http.MethodGet, "/v1/workflows/unknown/history", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(api.ErrNotFound), env2.Error.Code)
}

func TestWorkflowHandler_AuditDisabled(t *testing.T) {
	mux := newWorkflowMux(t, WorkflowDeps{})

	code, env := do[any](t, mux, http.MethodGet, "/v1/workflows/wf-1/audit", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, string(api.ErrServiceUnavailable), env.Error.Code)
}

func TestWorkflowHandler_Audit(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"}
	client, err := audit.DialRedis(cfg)
	require.NoError(t, err)
	store := audit.NewRedisStore(client, cfg, zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	mux := newWorkflowMux(t, WorkflowDeps{Audit: store})

	code, _ := do[api.ExecuteResponse](t, mux, http.MethodPost, "/v1/workflows/execute",
		`{"workflow_id":"wf-a","graph":"[START>A/SUCCESS, A>END/SUCCESS]","errors":["A"]}`)
	require.Equal(t, http.StatusOK, code)

	code, env := do[[]audit.Record](t, mux, http.MethodGet, "/v1/workflows/wf-a/audit", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, env.Data, 1)
	rec := env.Data[0]
	assert.Equal(t, "wf-a", rec.WorkflowID)
	assert.Equal(t, audit.StatusCompleted, rec.Status)
	assert.Equal(t, audit.OutcomeFailure, rec.Outcome)
	assert.Equal(t, 1, rec.ErrorCount)

	mr.Close()
	code, env2 := do[any](t, mux, http.MethodGet, "/v1/workflows/wf-a/audit", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.True(t, env2.Error.Retryable)
}
