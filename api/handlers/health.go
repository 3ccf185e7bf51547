package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/internal/audit"
	"github.com/BaSui01/blueprintflow/internal/pool"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	defaultProbeTimeout = 5 * time.Second
)

// HealthHandler 存活与就绪检查。
// 就绪取决于节点工作池是否可接收任务，以及（启用时）审计存储是否可达。
type HealthHandler struct {
	pool         *pool.WorkerPool
	audit        audit.Pinger
	auditBackend string
	probeTimeout time.Duration
	logger       *zap.Logger
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Engine    *EngineHealth `json:"engine,omitempty"`
	Audit     *AuditHealth  `json:"audit,omitempty"`
}

// EngineHealth 节点工作池状态
type EngineHealth struct {
	Status string     `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Pool   pool.Stats `json:"pool"`
}

// AuditHealth 审计存储状态
type AuditHealth struct {
	Backend string `json:"backend"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// NewHealthHandler 创建健康检查处理器。workers 为空时就绪检查不包含引擎部分。
func NewHealthHandler(workers *pool.WorkerPool, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		pool:         workers,
		probeTimeout: defaultProbeTimeout,
		logger:       logger.With(zap.String("handler", "health")),
	}
}

// WithAudit 将审计存储纳入就绪检查
func (h *HealthHandler) WithAudit(backend string, pinger audit.Pinger) *HealthHandler {
	h.audit = pinger
	h.auditBackend = backend
	return h
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求，只表示进程存活
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
	})
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 活跃度探针）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady 处理 /ready 请求
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now(),
	}

	if h.pool != nil {
		status.Engine = h.engineHealth()
		if status.Engine.Status != statusHealthy {
			status.Status = statusUnhealthy
		}
	}
	if h.audit != nil {
		status.Audit = h.auditHealth(r.Context())
		if status.Audit.Status != statusHealthy {
			status.Status = statusUnhealthy
		}
	}

	code := http.StatusOK
	if status.Status != statusHealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 检查项
// =============================================================================

func (h *HealthHandler) engineHealth() *EngineHealth {
	stats := h.pool.Stats()
	eh := &EngineHealth{Status: statusHealthy, Pool: stats}

	switch {
	case h.pool.Closed():
		eh.Reason = "worker pool is closed"
	case stats.QueueCap > 0 && stats.Queued >= stats.QueueCap:
		// 队列已满时新的节点任务会阻塞到超时
		eh.Reason = "node task queue is full"
	default:
		return eh
	}

	eh.Status = statusUnhealthy
	h.logger.Warn("engine not ready", zap.String("reason", eh.Reason), zap.Int("queued", stats.Queued))
	return eh
}

func (h *HealthHandler) auditHealth(ctx context.Context) *AuditHealth {
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	start := time.Now()
	err := h.audit.Ping(ctx)
	ah := &AuditHealth{
		Backend: h.auditBackend,
		Status:  statusHealthy,
		Latency: time.Since(start).String(),
	}
	if err != nil {
		ah.Status = statusUnhealthy
		ah.Message = err.Error()
		h.logger.Warn("audit store unreachable",
			zap.String("backend", h.auditBackend),
			zap.Error(err),
		)
	}
	return ah
}
