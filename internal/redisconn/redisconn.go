// Package redisconn 管理 checkpoint Redis 存储使用的连接：
// 建连探活、可选 TLS、后台健康检查与连接池统计。
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/config"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/tlsutil"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("redis connection is closed")

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// Manager 持有 go-redis 客户端
type Manager struct {
	client *redis.Client
	config config.RedisConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewManager 建立连接并 Ping，失败时返回错误
func NewManager(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientTLSConfig(cfg.Addr)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Addr, err)
	}

	m := &Manager{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("component", "redis")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	} else {
		close(m.done)
	}

	m.logger.Info("redis connected",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Bool("tls", cfg.TLS),
	)
	return m, nil
}

// Client 返回底层客户端，供 checkpoint.NewRedisStore 使用
func (m *Manager) Client() redis.UniversalClient {
	return m.client
}

// Ping 检查连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Stats 连接池统计
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// Stats 返回连接池统计
func (m *Manager) Stats() Stats {
	s := m.client.PoolStats()
	return Stats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
		StaleConns: s.StaleConns,
	}
}

// Close 停止健康检查并关闭连接，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("closing redis connection")
	return m.client.Close()
}

func (m *Manager) healthCheckLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.client.Ping(ctx).Err(); err != nil {
				m.logger.Error("redis health check failed", zap.Error(err))
			} else {
				s := m.Stats()
				m.logger.Debug("redis health check passed",
					zap.Uint32("total_conns", s.TotalConns),
					zap.Uint32("idle_conns", s.IdleConns),
				)
			}
			cancel()
		}
	}
}
