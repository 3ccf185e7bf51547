// =============================================================================
// 📦 BlueprintFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BLUEPRINTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 BlueprintFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Audit 工作流审计配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲连接超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流速率（请求/秒），0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// JWT 认证（/v1 路由）
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 认证配置。Secret 与 PublicKey 都为空时不启用认证。
type JWTConfig struct {
	// HMAC 密钥（HS256）
	Secret string `yaml:"secret" env:"SECRET"`
	// RSA 公钥 PEM（RS256）
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// 期望的签发者
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 期望的受众
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// Enabled 是否配置了任一验签密钥
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// EngineConfig 工作流引擎配置
type EngineConfig struct {
	// 节点默认超时，0 表示不限制
	NodeTimeout time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	// 按节点覆盖的超时，环境变量格式: A=1s,B=500ms
	NodeTimeouts map[string]time.Duration `yaml:"node_timeouts" env:"NODE_TIMEOUTS"`
	// 整个工作流的超时，0 表示不限制
	WorkflowTimeout time.Duration `yaml:"workflow_timeout" env:"WORKFLOW_TIMEOUT"`
	// 工作池最大 worker 数
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// 工作池队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 空闲 worker 回收时间
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" env:"WORKER_IDLE_TIMEOUT"`
	// 内存中保留的执行历史条数
	HistoryMaxEntries int `yaml:"history_max_entries" env:"HISTORY_MAX_ENTRIES"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 是否使用明文 gRPC
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 指标导出间隔
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// AuditConfig 工作流审计配置
type AuditConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 存储后端: gorm, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// gorm 后端的数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 审计记录保留时间，0 表示永久
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BLUEPRINTFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键名为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 按字段类型解析字符串值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			field.Set(reflect.ValueOf(splitList(value)))
		}

	case reflect.Map:
		// key=duration 列表，例如 A=1s,B=500ms
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem() != durationType {
			return fmt.Errorf("unsupported map type %s", field.Type())
		}
		m := reflect.MakeMap(field.Type())
		for _, pair := range splitList(value) {
			k, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid entry %q, expected key=duration", pair)
			}
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)), reflect.ValueOf(d))
		}
		field.Set(m)
	}

	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}

	if c.Engine.NodeTimeout < 0 || c.Engine.WorkflowTimeout < 0 {
		errs = append(errs, "engine timeouts must not be negative")
	}
	for id, d := range c.Engine.NodeTimeouts {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("node timeout for %s must be positive", id))
		}
	}
	if c.Engine.MaxWorkers <= 0 {
		errs = append(errs, "max_workers must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		errs = append(errs, "queue_size must be positive")
	}

	if c.Telemetry.Enabled && (c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1) {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}

	if c.Audit.Enabled {
		switch c.Audit.Backend {
		case "gorm":
			switch c.Audit.Database.Driver {
			case "postgres", "mysql", "sqlite":
			default:
				errs = append(errs, fmt.Sprintf("unsupported audit database driver %q", c.Audit.Database.Driver))
			}
		case "redis":
			if c.Audit.Redis.Addr == "" {
				errs = append(errs, "audit redis addr is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("unsupported audit backend %q", c.Audit.Backend))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
