// =============================================================================
// 📦 cleo 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:         DefaultServerConfig(),
		Database:       DefaultDatabaseConfig(),
		Redis:          DefaultRedisConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		JWT:            JWTConfig{},
		Checkpoint:     DefaultCheckpointConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Retry:          RetryConfig{Preset: "standard"},
		Stream:         DefaultStreamConfig(),
		Approval:       DefaultApprovalConfig(),
		Audit:          AuditConfig{Enabled: true, Output: "stdout"},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "cleo",
		Password:        "",
		Name:            "cleo",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cleo",
		SampleRate:   0.1,
	}
}

// DefaultCheckpointConfig 返回默认 checkpoint 配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:     "sql",
		RedisPrefix: "cleo:",
		PageSize:    50,
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:      3,
		HalfOpenTimeout:  60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// DefaultStreamConfig 返回默认事件流配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Preset:     "default",
		BufferSize: 64,
	}
}

// DefaultApprovalConfig 返回默认审批配置
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		Timeout:      24 * time.Hour,
		PollInterval: 2 * time.Second,
		Store:        "sql",
	}
}
