package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/blueprintflow/config"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// ErrServerClosed Shutdown 之后再次启动
var ErrServerClosed = errors.New("server is closed")

// Manager HTTP 服务器管理器
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ConfigFrom 从全局配置构建服务器配置
func ConfigFrom(cfg config.ServerConfig) Config {
	return Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTPPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		server: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		errCh:  make(chan error, 1),
		config: cfg,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 监听并在后台提供服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrServerClosed
	}
	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)
	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 在 ShutdownTimeout 内排空请求后关闭
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}

	m.logger.Info("HTTP server stopped")
	return nil
}

// Wait 阻塞到 ctx 结束或服务异常退出，然后优雅关闭。
// 调用方通常传入 signal.NotifyContext 返回的 ctx。
func (m *Manager) Wait(ctx context.Context) error {
	var serveErr error
	select {
	case <-ctx.Done():
		m.logger.Info("received shutdown signal", zap.Error(context.Cause(ctx)))
	case serveErr = <-m.errCh:
		m.logger.Error("server exited unexpectedly", zap.Error(serveErr))
	}

	if err := m.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return serveErr
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址，未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}
