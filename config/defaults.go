// =============================================================================
// 📦 BlueprintFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Engine:    DefaultEngineConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
		Audit:     DefaultAuditConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NodeTimeout:       60 * time.Second,
		NodeTimeouts:      map[string]time.Duration{},
		MaxWorkers:        64,
		QueueSize:         1024,
		WorkerIdleTimeout: 60 * time.Second,
		HistoryMaxEntries: 1000,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		ServiceName:    "blueprintflow",
		SampleRate:     0.1,
		ExportInterval: 30 * time.Second,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "blueprintflow",
	}
}

// DefaultAuditConfig 返回默认审计配置（默认关闭）
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled: false,
		Backend: "gorm",
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Host:            "localhost",
			Port:            5432,
			User:            "blueprintflow",
			Name:            "blueprintflow_audit.db",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "blueprintflow:audit:",
			TTL:       7 * 24 * time.Hour,
		},
	}
}
