package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/api"
	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/audit"
	"github.com/BaSui01/blueprintflow/internal/metrics"
	"github.com/BaSui01/blueprintflow/internal/pool"
	"github.com/BaSui01/blueprintflow/workflow"
	"github.com/BaSui01/blueprintflow/workflow/simulation"
)

// =============================================================================
// 🔀 工作流 Handler
// =============================================================================

// WorkflowDeps 工作流处理器依赖。Pool 为空时每个请求使用私有工作池；
// Audit 为空时审计查询返回 503。
type WorkflowDeps struct {
	Engine  config.EngineConfig
	Pool    *pool.WorkerPool
	Metrics *metrics.Collector
	History *workflow.ExecutionHistoryStore
	Audit   audit.Store
	Tracer  trace.Tracer
}

// WorkflowHandler 工作流执行与查询处理器
type WorkflowHandler struct {
	deps   WorkflowDeps
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(deps WorkflowDeps, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.History == nil {
		deps.History = workflow.NewExecutionHistoryStore(deps.Engine.HistoryMaxEntries)
	}
	return &WorkflowHandler{
		deps:   deps,
		logger: logger.With(zap.String("handler", "workflow")),
	}
}

// HandleExecute 处理 POST /v1/workflows/execute
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	graph, apiErr := buildGraph(&req)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	planOpts, err := req.Plan.Options()
	if err != nil {
		WriteError(w, r, api.NewError(api.ErrInvalidRequest, "invalid simulation plan").WithCause(err), h.logger)
		return
	}

	ctx := r.Context()
	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil || timeout <= 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, api.ErrInvalidRequest, "timeout must be a positive duration", h.logger)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	executor := simulation.New(append(planOpts, simulation.WithLogger(h.logger))...)
	engine := workflow.NewEngine[string, simulation.Report](executor, h.engineOptions()...)
	defer engine.Close()

	res, err := engine.Run(ctx, graph, req.WorkflowID, req.Input)
	if err != nil {
		WriteError(w, r, runError(err), h.logger)
		return
	}

	WriteSuccess(w, r, newExecuteResponse(graph, res))
}

// HandleHistory 处理 GET /v1/workflows/{id}/history
func (h *WorkflowHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	histories := h.deps.History.ListByWorkflow(id)
	if len(histories) == 0 {
		WriteErrorMessage(w, r, http.StatusNotFound, api.ErrNotFound, "no execution history for workflow "+id, h.logger)
		return
	}
	WriteSuccess(w, r, histories)
}

// HandleAudit 处理 GET /v1/workflows/{id}/audit
func (h *WorkflowHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, api.ErrServiceUnavailable, "audit is disabled", h.logger)
		return
	}

	records, err := h.deps.Audit.FindByWorkflowID(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, api.NewError(api.ErrInternalError, "failed to load audit records").
			WithCause(err).WithRetryable(true), h.logger)
		return
	}
	WriteSuccess(w, r, records)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *WorkflowHandler) engineOptions() []workflow.Option {
	opts := []workflow.Option{
		workflow.WithLogger(h.logger),
		workflow.WithConfig(h.deps.Engine),
		workflow.WithHistoryStore(h.deps.History),
	}
	if h.deps.Pool != nil {
		opts = append(opts, workflow.WithPool(h.deps.Pool))
	}
	if h.deps.Metrics != nil {
		opts = append(opts, workflow.WithMetrics(h.deps.Metrics))
	}
	if h.deps.Tracer != nil {
		opts = append(opts, workflow.WithTracer(h.deps.Tracer))
	}
	if h.deps.Audit != nil {
		opts = append(opts, workflow.WithAuditRecorder(audit.NewRecorder(h.deps.Audit, h.logger)))
	}
	return opts
}

func buildGraph(req *api.ExecuteRequest) (*workflow.Graph, *api.Error) {
	var (
		graph *workflow.Graph
		err   error
	)
	switch {
	case req.Graph != "" && req.Definition != nil:
		return nil, api.NewError(api.ErrInvalidRequest, "graph and definition are mutually exclusive")
	case req.Graph != "":
		graph, err = workflow.Parse(req.Graph)
	case req.Definition != nil:
		graph, err = req.Definition.Graph()
	default:
		return nil, api.NewError(api.ErrInvalidRequest, "graph or definition is required")
	}
	if err != nil {
		return nil, api.NewError(api.ErrInvalidGraph, "invalid workflow graph").WithCause(err)
	}
	return graph, nil
}

func runError(err error) *api.Error {
	switch {
	case errors.Is(err, workflow.ErrEngineClosed):
		return api.NewError(api.ErrServiceUnavailable, "workflow engine is closed").WithCause(err).WithRetryable(true)
	case errors.Is(err, context.DeadlineExceeded):
		return api.NewError(api.ErrTimeout, "workflow timed out").WithCause(err)
	case errors.Is(err, context.Canceled):
		return api.NewError(api.ErrWorkflowCancelled, "workflow cancelled").WithCause(err)
	case errors.Is(err, workflow.ErrGraphFormat):
		return api.NewError(api.ErrInvalidGraph, "invalid workflow graph").WithCause(err)
	default:
		return api.NewError(api.ErrInternalError, "workflow execution failed").WithCause(err)
	}
}

func newExecuteResponse(graph *workflow.Graph, res *workflow.Result[simulation.Report]) api.ExecuteResponse {
	resp := api.ExecuteResponse{
		WorkflowID: res.WorkflowID,
		Graph:      graph.String(),
		Status:     res.Output.Status,
		Cancelled:  res.Cancelled,
		Nodes:      res.Statuses,
		Errors:     res.Output.Errors,
		Output:     res.Output,
	}
	if res.History != nil {
		resp.ExecutionID = res.History.ExecutionID
		resp.Layers = res.History.Layers
		resp.Duration = res.History.Duration
	}
	return resp
}
