package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/blueprintflow/config"
)

// =============================================================================
// 🗄️ 数据库连接池管理器
// =============================================================================

// PoolManager 数据库连接池管理器
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// PoolConfig 连接池配置
type PoolConfig struct {
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// 健康检查间隔，0 表示不启动
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        20,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// PoolConfigFrom 从数据库配置构建连接池配置，未设置的字段取默认值
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return pc
}

// Dialector 根据驱动名选择 GORM 方言
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN()), nil
	case "mysql":
		return mysql.Open(cfg.DSN()), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}
}

// Open 打开数据库并包装为连接池管理器
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*PoolManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	return NewPoolManager(db, PoolConfigFrom(cfg), logger)
}

// NewPoolManager 创建连接池管理器
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		stop:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	}

	pm.logger.Info("database pool initialized",
		zap.String("dialect", db.Dialector.Name()),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
	)
	return pm, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回连接池统计信息
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 关闭连接池
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.closed {
		return nil
	}
	pm.closed = true
	close(pm.stop)
	pm.logger.Info("closing database pool")

	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (pm *PoolManager) healthCheckLoop() {
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pm.Ping(ctx); err != nil {
			pm.logger.Error("database health check failed", zap.Error(err))
		} else {
			stats := pm.Stats()
			pm.logger.Debug("database health check passed",
				zap.Int("open_connections", stats.OpenConnections),
				zap.Int("in_use", stats.InUse),
				zap.Int("idle", stats.Idle),
			)
		}
		cancel()
	}
}

// =============================================================================
// 🔄 事务管理
// =============================================================================

// TransactionFunc 事务函数类型
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction 在事务中执行函数
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	if pm.closed {
		pm.mu.RUnlock()
		return ErrPoolClosed
	}
	db := pm.db
	pm.mu.RUnlock()

	return db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 在事务中执行函数，可重试的错误按指数退避重试
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, maxRetries int, fn TransactionFunc) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := pm.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		pm.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		backoff := time.Duration(1<<uint(i)) * 50 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryableError 判断错误是否可重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock",
		"serialization failure", "40001",
		"connection reset", "connection refused", "broken pipe",
		"lock timeout", "lock wait timeout",
		"bad connection",
		"database is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
