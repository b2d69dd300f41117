// =============================================================================
// 📦 cleo 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CLEO").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// JWT 认证配置
	JWT JWTConfig `yaml:"jwt" env:"JWT"`

	// Checkpoint 存储配置
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// CircuitBreaker 熔断配置
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`

	// Retry 重试配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Stream 事件流配置
	Stream StreamConfig `yaml:"stream" env:"STREAM"`

	// Approval 人工审批配置
	Approval ApprovalConfig `yaml:"approval" env:"APPROVAL"`

	// Audit 审计日志配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端每秒请求数
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许跨域的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// TLS 证书与私钥，都设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite（纯 Go）, sqlite3（cgo）
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
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
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// 健康检查间隔，0 表示不检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
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
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// JWTConfig JWT 认证配置；Secret 为空时不启用认证
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// CheckpointConfig checkpoint 存储配置
type CheckpointConfig struct {
	// 后端: memory, sql, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis key 前缀
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	// 列表查询分页大小
	PageSize int `yaml:"page_size" env:"PAGE_SIZE"`
}

// CircuitBreakerConfig 熔断配置
type CircuitBreakerConfig struct {
	MaxFailures      int           `yaml:"max_failures" env:"MAX_FAILURES"`
	HalfOpenTimeout  time.Duration `yaml:"half_open_timeout" env:"HALF_OPEN_TIMEOUT"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// RetryConfig 重试配置。Preset 提供基础值，非零字段覆盖对应项
type RetryConfig struct {
	// 预设: fast, standard, aggressive, network
	Preset       string        `yaml:"preset" env:"PRESET"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StreamConfig 事件流配置
type StreamConfig struct {
	// 预设: default, verbose, debug, production, tokens
	Preset string `yaml:"preset" env:"PRESET"`
	// 显式指定的模式，非空时覆盖预设
	Modes []string `yaml:"modes" env:"MODES"`
	// 每个 websocket 连接的发送缓冲
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// ApprovalConfig 人工审批配置
type ApprovalConfig struct {
	// 等待人工决定的最长时间
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 检查其他实例 resolve 的间隔；0 表示不轮询
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 中断存储: memory, sql
	Store string `yaml:"store" env:"STORE"`
	// 工具审批策略，覆盖内置分级；只能在 YAML 中配置
	Tools map[string]ToolApprovalConfig `yaml:"tools" env:"-"`
}

// ToolApprovalConfig 单个工具的审批策略
type ToolApprovalConfig struct {
	// 风险等级: low, medium, high
	Risk             string `yaml:"risk"`
	RequiresApproval bool   `yaml:"requires_approval"`
	Question         string `yaml:"question"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 输出: stdout, stderr 或文件路径
	Output string `yaml:"output" env:"OUTPUT"`
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
		envPrefix:  "CLEO",
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
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
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

// setFieldsFromEnv 递归设置结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
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

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

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
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
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

var (
	validDrivers           = []string{"postgres", "mysql", "sqlite", "sqlite3"}
	validCheckpointBackend = []string{"memory", "sql", "redis"}
	validApprovalStores    = []string{"memory", "sql"}
	validRetryPresets      = []string{"fast", "standard", "aggressive", "network"}
	validStreamPresets     = []string{"default", "verbose", "debug", "production", "tokens"}
	validRiskLevels        = []string{"", "low", "medium", "high"}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	if !slices.Contains(validDrivers, c.Database.Driver) {
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if !slices.Contains(validCheckpointBackend, c.Checkpoint.Backend) {
		errs = append(errs, fmt.Sprintf("unsupported checkpoint backend %q", c.Checkpoint.Backend))
	}
	if c.Checkpoint.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis checkpoint backend requires redis.addr")
	}
	if !slices.Contains(validApprovalStores, c.Approval.Store) {
		errs = append(errs, fmt.Sprintf("unsupported approval store %q", c.Approval.Store))
	}
	if c.Approval.Timeout <= 0 {
		errs = append(errs, "approval timeout must be positive")
	}
	for name, tool := range c.Approval.Tools {
		if !slices.Contains(validRiskLevels, strings.ToLower(tool.Risk)) {
			errs = append(errs, fmt.Sprintf("tool %q has unknown risk level %q", name, tool.Risk))
		}
	}
	if c.Retry.Preset != "" && !slices.Contains(validRetryPresets, strings.ToLower(c.Retry.Preset)) {
		errs = append(errs, fmt.Sprintf("unknown retry preset %q", c.Retry.Preset))
	}
	if len(c.Stream.Modes) == 0 && c.Stream.Preset != "" &&
		!slices.Contains(validStreamPresets, strings.ToLower(c.Stream.Preset)) {
		errs = append(errs, fmt.Sprintf("unknown stream preset %q", c.Stream.Preset))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "tls_cert_file and tls_key_file must be set together")
	}
	if c.CircuitBreaker.MaxFailures < 0 || c.CircuitBreaker.SuccessThreshold < 0 {
		errs = append(errs, "circuit breaker thresholds must not be negative")
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
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
