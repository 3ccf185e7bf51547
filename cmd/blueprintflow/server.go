package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/api/handlers"
	"github.com/BaSui01/blueprintflow/config"
	"github.com/BaSui01/blueprintflow/internal/audit"
	"github.com/BaSui01/blueprintflow/internal/metrics"
	"github.com/BaSui01/blueprintflow/internal/pool"
	"github.com/BaSui01/blueprintflow/internal/server"
	"github.com/BaSui01/blueprintflow/internal/telemetry"
	"github.com/BaSui01/blueprintflow/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 serve 命令的 HTTP 服务：工作流 API、健康检查与 /metrics
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry   *telemetry.Providers
	collector   *metrics.Collector
	registry    *prometheus.Registry
	pool        *pool.WorkerPool
	auditStore  audit.Store
	httpManager *server.Manager

	health   *handlers.HealthHandler
	workflow *handlers.WorkflowHandler

	stopRateLimiter context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 HTTP 服务（非阻塞）
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	s.httpManager = server.NewManager(s.Handler(), server.ConfigFrom(s.cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		s.Shutdown(context.Background())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.Bool("audit_enabled", s.auditStore != nil),
		zap.Bool("jwt_enabled", s.cfg.Server.JWT.Enabled()),
	)
	return nil
}

// init 创建指标、工作池、审计存储与 handlers
func (s *Server) init() error {
	if s.cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.collector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.registry, s.logger)
	}

	s.pool = pool.New(pool.Config{
		MaxWorkers:  s.cfg.Engine.MaxWorkers,
		QueueSize:   s.cfg.Engine.QueueSize,
		IdleTimeout: s.cfg.Engine.WorkerIdleTimeout,
	}, s.logger)

	s.health = handlers.NewHealthHandler(s.pool, s.logger)

	if s.cfg.Audit.Enabled {
		store, err := audit.Open(s.cfg.Audit, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		s.auditStore = store
		if p, ok := store.(audit.Pinger); ok {
			s.health.WithAudit(s.cfg.Audit.Backend, p)
		}
	}

	s.workflow = handlers.NewWorkflowHandler(handlers.WorkflowDeps{
		Engine:  s.cfg.Engine,
		Pool:    s.pool,
		Metrics: s.collector,
		History: workflow.NewExecutionHistoryStore(s.cfg.Engine.HistoryMaxEntries),
		Audit:   s.auditStore,
		Tracer:  s.telemetry.Tracer(),
	}, s.logger)

	return nil
}

// Handler 返回带完整中间件链的路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealthz)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}

	mux.HandleFunc("POST /v1/workflows/execute", s.workflow.HandleExecute)
	mux.HandleFunc("GET /v1/workflows/{id}/history", s.workflow.HandleHistory)
	mux.HandleFunc("GET /v1/workflows/{id}/audit", s.workflow.HandleAudit)

	limiterCtx, cancel := context.WithCancel(context.Background())
	if s.stopRateLimiter != nil {
		s.stopRateLimiter()
	}
	s.stopRateLimiter = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		RateLimiter(limiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Server.JWT.Enabled() {
		middlewares = append(middlewares, JWTAuth(s.cfg.Server.JWT, "/v1/", s.logger))
	}
	return Chain(mux, middlewares...)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞到 ctx 结束或服务异常退出，然后释放所有资源
func (s *Server) Wait(ctx context.Context) error {
	err := s.httpManager.Wait(ctx)
	s.Shutdown(context.WithoutCancel(ctx))
	return err
}

// Shutdown 按依赖逆序关闭：HTTP 服务、工作池、审计存储、遥测
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.stopRateLimiter != nil {
		s.stopRateLimiter()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.auditStore != nil {
		if err := s.auditStore.Close(); err != nil {
			s.logger.Error("audit store close error", zap.Error(err))
		}
		s.auditStore = nil
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}
	s.logger.Info("graceful shutdown completed")
}
