package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// JitterFraction 抖动幅度（±20%，乘性）
const JitterFraction = 0.2

// DefaultRetryableErrors 默认可重试错误模式（大小写不敏感的子串匹配）
var DefaultRetryableErrors = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"network_error",
	"network error",
	"connection reset",
	"connection refused",
	"econnreset",
	"econnrefused",
	"etimedout",
	"rate_limit",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"service_unavailable",
	"503",
	"502",
	"429",
}

// Policy 重试策略
type Policy struct {
	// MaxAttempts 总尝试次数（含第一次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	InitialDelay      time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`

	// Timeout 整体时间预算；每次尝试前检查，0 表示不限制
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// RetryableErrors 可重试错误模式；为空时使用 DefaultRetryableErrors
	RetryableErrors []string `yaml:"retryable_errors" env:"RETRYABLE_ERRORS"`

	// OnRetry 每次等待前调用；attempt 为刚失败的尝试序号（从 1 开始）
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// 预设只在尝试次数与延迟上下界上不同
var presets = map[string]Policy{
	"fast": {
		MaxAttempts:       2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 2,
	},
	"standard": {
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	},
	"aggressive": {
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
	},
	"network": {
		MaxAttempts:       4,
		InitialDelay:      2 * time.Second,
		MaxDelay:          20 * time.Second,
		BackoffMultiplier: 2,
	},
}

// Fast 低延迟场景：少量快速重试
func Fast() Policy { return presets["fast"] }

// Standard 默认策略
func Standard() Policy { return presets["standard"] }

// Aggressive 更多尝试、更长上限
func Aggressive() Policy { return presets["aggressive"] }

// Network 面向网络抖动
func Network() Policy { return presets["network"] }

// Preset 按名称查找预设
func Preset(name string) (Policy, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("unknown retry preset %q", name)
	}
	return p, nil
}

// PresetNames 返回所有预设名称
func PresetNames() []string {
	return []string{"fast", "standard", "aggressive", "network"}
}

// normalize 修正非法参数
func (p Policy) normalize() Policy {
	def := Standard()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if len(p.RetryableErrors) == 0 {
		p.RetryableErrors = DefaultRetryableErrors
	}
	return p
}

// BaseDelay 计算第 attempt 次失败后的未抖动延迟：
// min(initial * multiplier^(attempt-1), max)
func BaseDelay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Delay 在 BaseDelay 上施加 ±20% 抖动并向下取整到毫秒
func Delay(p Policy, attempt int) time.Duration {
	return applyJitter(BaseDelay(p, attempt), rand.Float64())
}

// applyJitter r ∈ [0,1)
func applyJitter(base time.Duration, r float64) time.Duration {
	factor := 1 + (r*2-1)*JitterFraction
	ms := math.Floor(float64(base) * factor / float64(time.Millisecond))
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
