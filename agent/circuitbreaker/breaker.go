package circuitbreaker

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// State 熔断器状态
type State string

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = "closed"
	// StateOpen 打开状态（熔断中）
	StateOpen State = "open"
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen State = "half-open"
)

func (s State) String() string { return string(s) }

// Config 熔断器配置
type Config struct {
	// MaxFailures 关闭状态下触发熔断的失败次数
	MaxFailures int `yaml:"max_failures" env:"MAX_FAILURES"`

	// HalfOpenTimeout 自最后一次失败起，Open -> HalfOpen 的等待时间
	HalfOpenTimeout time.Duration `yaml:"half_open_timeout" env:"HALF_OPEN_TIMEOUT"`

	// ResetTimeout 关闭状态下失败计数的衰减时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`

	// SuccessThreshold 半开状态下恢复到关闭所需的成功次数
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`

	// OnStateChange 状态变更回调（在锁外同步调用）
	OnStateChange func(agentID string, from, to State) `yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxFailures:      3,
		HalfOpenTimeout:  60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Circuit 单个 agent 的熔断状态快照
type Circuit struct {
	AgentID         string     `json:"agent_id"`
	State           State      `json:"state"`
	Failures        int        `json:"failures"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	SuccessCount    int        `json:"success_count"`
	TotalCalls      int        `json:"total_calls"`
	LastStateChange time.Time  `json:"last_state_change"`
}

// Decision 是否允许本次调用
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Clock 返回当前时间；测试中可替换
type Clock func() time.Time

// Option 配置 Breaker
type Option func(*Breaker)

// WithClock 注入时钟
func WithClock(clock Clock) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.now = clock
		}
	}
}

// Breaker 按 agent 维度管理熔断状态。
// 各 agent 的状态相互独立；Breaker 只给出建议，从不返回错误。
type Breaker struct {
	config Config
	logger *zap.Logger
	now    Clock

	mu       sync.Mutex
	circuits map[string]*Circuit
}

type transition struct {
	agentID  string
	from, to State
}

// New 创建 Breaker
func New(config Config, logger *zap.Logger, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.HalfOpenTimeout <= 0 {
		config.HalfOpenTimeout = defaults.HalfOpenTimeout
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		config:   config,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		now:      time.Now,
		circuits: make(map[string]*Circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config 返回生效的配置
func (b *Breaker) Config() Config { return b.config }

// circuit 惰性创建 agent 的状态，调用方必须持有锁
func (b *Breaker) circuit(agentID string) *Circuit {
	c, ok := b.circuits[agentID]
	if !ok {
		c = &Circuit{
			AgentID:         agentID,
			State:           StateClosed,
			LastStateChange: b.now(),
		}
		b.circuits[agentID] = c
	}
	return c
}

func (b *Breaker) setState(c *Circuit, to State) *transition {
	if c.State == to {
		return nil
	}
	t := &transition{agentID: c.AgentID, from: c.State, to: to}
	c.State = to
	c.LastStateChange = b.now()
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	b.logger.Info("circuit state changed",
		zap.String("agent_id", t.agentID),
		zap.String("from", t.from.String()),
		zap.String("to", t.to.String()),
	)
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(t.agentID, t.from, t.to)
	}
}

// CanExecute 判断是否允许调用 agent
func (b *Breaker) CanExecute(agentID string) Decision {
	b.mu.Lock()
	c := b.circuit(agentID)

	var (
		d Decision
		t *transition
	)
	switch c.State {
	case StateOpen:
		var elapsed time.Duration
		if c.LastFailure != nil {
			elapsed = b.now().Sub(*c.LastFailure)
		}
		if c.LastFailure == nil || elapsed > b.config.HalfOpenTimeout {
			t = b.setState(c, StateHalfOpen)
			c.SuccessCount = 0
			d = Decision{Allowed: true, Reason: "circuit half-open, probing"}
		} else {
			d = Decision{
				Allowed:    false,
				Reason:     fmt.Sprintf("circuit open after %d failures", c.Failures),
				RetryAfter: b.config.HalfOpenTimeout - elapsed,
			}
		}
	case StateHalfOpen:
		d = Decision{Allowed: true, Reason: "circuit half-open, probing"}
	default:
		d = Decision{Allowed: true}
	}
	b.mu.Unlock()

	b.notify(t)
	return d
}

// RecordSuccess 记录一次成功调用
func (b *Breaker) RecordSuccess(agentID string) {
	b.mu.Lock()
	c := b.circuit(agentID)
	c.TotalCalls++

	var t *transition
	switch c.State {
	case StateHalfOpen:
		c.SuccessCount++
		if c.SuccessCount >= b.config.SuccessThreshold {
			t = b.setState(c, StateClosed)
			c.Failures = 0
			c.SuccessCount = 0
		}
	case StateClosed:
		// 失败计数衰减
		if c.LastFailure != nil && b.now().Sub(*c.LastFailure) > b.config.ResetTimeout {
			c.Failures = 0
		}
	case StateOpen:
		b.logger.Warn("success recorded while circuit open", zap.String("agent_id", agentID))
	}
	b.mu.Unlock()

	b.notify(t)
}

// RecordFailure 记录一次失败调用
func (b *Breaker) RecordFailure(agentID string, err error) {
	b.mu.Lock()
	c := b.circuit(agentID)
	now := b.now()
	c.Failures++
	c.TotalCalls++
	c.LastFailure = &now

	var t *transition
	switch c.State {
	case StateHalfOpen:
		t = b.setState(c, StateOpen)
		c.SuccessCount = 0
	case StateClosed:
		if c.Failures >= b.config.MaxFailures {
			t = b.setState(c, StateOpen)
		}
	}
	failures := c.Failures
	b.mu.Unlock()

	fields := []zap.Field{
		zap.String("agent_id", agentID),
		zap.Int("failures", failures),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	b.logger.Debug("failure recorded", fields...)
	b.notify(t)
}

// Reset 手动将 agent 恢复到关闭状态并清空计数
func (b *Breaker) Reset(agentID string) {
	b.mu.Lock()
	c := b.circuit(agentID)
	t := b.setState(c, StateClosed)
	c.Failures = 0
	c.SuccessCount = 0
	c.TotalCalls = 0
	c.LastFailure = nil
	b.mu.Unlock()

	b.notify(t)
}

// ResetAll 重置所有 agent
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	var ts []*transition
	for _, c := range b.circuits {
		if t := b.setState(c, StateClosed); t != nil {
			ts = append(ts, t)
		}
		c.Failures = 0
		c.SuccessCount = 0
		c.TotalCalls = 0
		c.LastFailure = nil
	}
	b.mu.Unlock()

	for _, t := range ts {
		b.notify(t)
	}
}

// Snapshot 返回 agent 当前状态的副本；不会触发状态转换
func (b *Breaker) Snapshot(agentID string) Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyCircuit(b.circuit(agentID))
}

// Snapshots 返回所有已知 agent 的状态，按 agent id 排序
func (b *Breaker) Snapshots() []Circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, copyCircuit(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func copyCircuit(c *Circuit) Circuit {
	cp := *c
	if c.LastFailure != nil {
		lf := *c.LastFailure
		cp.LastFailure = &lf
	}
	return cp
}

// ErrCircuitOpen 熔断拒绝的哨兵错误，可用 errors.Is 判断
var ErrCircuitOpen = errors.New("circuit open")

// OpenError 调用方在 Decision 被拒绝时构造的面向用户的错误
type OpenError struct {
	AgentID    string
	Reason     string
	RetryAfter time.Duration
}

// NewOpenError 由被拒绝的 Decision 构造 OpenError
func NewOpenError(agentID string, d Decision) *OpenError {
	return &OpenError{AgentID: agentID, Reason: d.Reason, RetryAfter: d.RetryAfter}
}

func (e *OpenError) Error() string {
	secs := int(e.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("agent %s is temporarily unavailable (%s), retry in about %ds", e.AgentID, e.Reason, secs)
}

// Is 使 errors.Is(err, ErrCircuitOpen) 成立
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// AsTypesError 转换为结构化错误
func (e *OpenError) AsTypesError() *types.Error {
	return types.NewError(types.ErrCircuitOpen, e.Error()).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true).
		WithAgent(e.AgentID).
		WithCause(e)
}
