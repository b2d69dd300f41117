package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// ErrTimeout 整体时间预算耗尽
var ErrTimeout = errors.New("retry timeout exceeded")

// TimeoutError 在尝试前发现已超出 Policy.Timeout 时返回
type TimeoutError struct {
	Elapsed  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("retry timeout exceeded after %d attempts (%s): %v", e.Attempts, e.Elapsed, e.Last)
	}
	return fmt.Sprintf("retry timeout exceeded after %d attempts (%s)", e.Attempts, e.Elapsed)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// Result DoDetailed 的返回值
type Result[T any] struct {
	Success       bool
	Value         T
	Err           error
	Attempts      int
	TotalDuration time.Duration
}

// Retryer 按 Policy 执行重试
type Retryer struct {
	policy Policy
	logger *zap.Logger
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
}

// New 创建 Retryer
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		policy: policy.normalize(),
		logger: logger.With(zap.String("component", "retry")),
		now:    time.Now,
		wait:   sleepContext,
	}
}

// Policy 返回修正后的策略
func (r *Retryer) Policy() Policy { return r.policy }

// Run 执行无返回值的函数
func (r *Retryer) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 执行 fn，失败时按策略重试。
// 不可重试的错误立即返回；次数耗尽时返回最后一次的原始错误（不包装）。
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	res := DoDetailed(ctx, r, fn)
	return res.Value, res.Err
}

// DoDetailed 与 Do 相同，但以 Result 返回而不是 error
func DoDetailed[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) Result[T] {
	p := r.policy
	start := r.now()

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.Timeout > 0 {
			if elapsed := r.now().Sub(start); elapsed > p.Timeout {
				r.logger.Warn("retry budget exhausted",
					zap.Int("attempts", attempt-1),
					zap.Duration("elapsed", elapsed),
				)
				return Result[T]{
					Value:         zero,
					Err:           &TimeoutError{Elapsed: elapsed, Attempts: attempt - 1, Last: lastErr},
					Attempts:      attempt - 1,
					TotalDuration: elapsed,
				}
			}
		}

		value, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return Result[T]{
				Success:       true,
				Value:         value,
				Attempts:      attempt,
				TotalDuration: r.now().Sub(start),
			}
		}
		lastErr = err

		if !IsRetryable(err, p.RetryableErrors) {
			r.logger.Debug("error not retryable", zap.Error(err))
			return Result[T]{Err: err, Attempts: attempt, TotalDuration: r.now().Sub(start)}
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := Delay(p, attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if werr := r.wait(ctx, delay); werr != nil {
			return Result[T]{
				Err:           fmt.Errorf("retry cancelled: %w", werr),
				Attempts:      attempt,
				TotalDuration: r.now().Sub(start),
			}
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", p.MaxAttempts),
		zap.Error(lastErr),
	)
	return Result[T]{Err: lastErr, Attempts: p.MaxAttempts, TotalDuration: r.now().Sub(start)}
}

// IsRetryable 判断错误是否匹配可重试模式。
// 匹配对象为错误信息与错误“名称”（Go 类型名或 types.Error 的错误码），大小写不敏感。
// patterns 为空时使用 DefaultRetryableErrors。types.Error 的 Retryable 标记只用于
// 返回给客户端，不参与这里的判断。
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if len(patterns) == 0 {
		patterns = DefaultRetryableErrors
	}

	msg := strings.ToLower(err.Error())
	names := []string{strings.ToLower(fmt.Sprintf("%T", err))}
	if te, ok := types.AsError(err); ok {
		names = append(names, strings.ToLower(string(te.Code)))
	}

	for _, pat := range patterns {
		pat = strings.ToLower(strings.TrimSpace(pat))
		if pat == "" {
			continue
		}
		if strings.Contains(msg, pat) {
			return true
		}
		for _, name := range names {
			if strings.Contains(name, pat) {
				return true
			}
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
