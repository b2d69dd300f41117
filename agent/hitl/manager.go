package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SuspendHooks 执行挂起 / 恢复时的回调。
// OnSuspend 在阻塞前调用，用于持久化 checkpoint；返回错误会放弃本次请求。
// OnResume 在中断被 resolve 后调用；waiting 表示本进程内是否有等待者，
// 为 false 时说明原等待者已不存在（例如进程重启），需要由调用方从 checkpoint 恢复执行。
type SuspendHooks struct {
	OnSuspend func(ctx context.Context, rec *InterruptRecord) (checkpointID string, err error)
	OnResume  func(ctx context.Context, rec *InterruptRecord, waiting bool)
}

// ManagerOption 配置 InterruptManager
type ManagerOption func(*InterruptManager)

// WithTimeout 等待人工决定的最长时间，超时自动 reject
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *InterruptManager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithPollInterval 周期性检查存储，用于其他实例完成的 resolve；0 表示不轮询
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *InterruptManager) { m.poll = d }
}

// WithHooks 设置挂起 / 恢复回调
func WithHooks(h SuspendHooks) ManagerOption {
	return func(m *InterruptManager) { m.hooks = h }
}

// WithManagerClock 注入时钟
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *InterruptManager) {
		if now != nil {
			m.now = now
		}
	}
}

// InterruptManager 按执行维护 no-interrupt -> pending -> resolved 状态机
type InterruptManager struct {
	store   InterruptStore
	logger  *zap.Logger
	hooks   SuspendHooks
	timeout time.Duration
	poll    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	waiters map[string]chan HumanResponse // executionID -> 等待者
}

// NewInterruptManager 创建中断管理器；store 为 nil 时使用内存存储
func NewInterruptManager(store InterruptStore, logger *zap.Logger, opts ...ManagerOption) *InterruptManager {
	if store == nil {
		store = NewMemoryInterruptStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &InterruptManager{
		store:   store,
		logger:  logger.With(zap.String("component", "interrupt_manager")),
		timeout: 24 * time.Hour,
		now:     time.Now,
		waiters: make(map[string]chan HumanResponse),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHooks 替换回调；需在开始处理请求前调用
func (m *InterruptManager) SetHooks(h SuspendHooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

func (m *InterruptManager) getHooks() SuspendHooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}

// Request 创建中断并挂起，直到收到人工决定。
// ctx 取消时记录保持 pending，可在之后通过 Await 继续等待。
func (m *InterruptManager) Request(ctx context.Context, req ApprovalRequest) (*HumanResponse, error) {
	if req.ExecutionID == "" {
		return nil, ErrMissingExecution
	}

	m.mu.Lock()
	if _, busy := m.waiters[req.ExecutionID]; busy {
		m.mu.Unlock()
		return nil, ErrInterruptPending
	}
	ch := make(chan HumanResponse, 1)
	m.waiters[req.ExecutionID] = ch
	m.mu.Unlock()

	rec := &InterruptRecord{
		ID:          "int_" + uuid.NewString(),
		ExecutionID: req.ExecutionID,
		ThreadID:    req.ThreadID,
		ToolName:    req.ToolName,
		Args:        cloneArgs(req.Args),
		Question:    req.Question,
		Risk:        req.Risk,
		Status:      StatusPending,
		CreatedAt:   m.now().UTC(),
	}

	// 被取消的旧请求可能留下 pending 记录，新请求取代它
	if err := m.supersede(ctx, req.ExecutionID); err != nil {
		m.dropWaiter(req.ExecutionID, ch)
		return nil, err
	}

	// 先落库再触发挂起回调，回调发出的事件可以立即查到记录
	if err := m.store.Save(ctx, rec); err != nil {
		m.dropWaiter(req.ExecutionID, ch)
		return nil, fmt.Errorf("save interrupt: %w", err)
	}

	if hooks := m.getHooks(); hooks.OnSuspend != nil {
		cpID, err := hooks.OnSuspend(ctx, rec.clone())
		if err != nil {
			if derr := m.store.Delete(context.WithoutCancel(ctx), rec.ID); derr != nil {
				m.logger.Warn("discard interrupt failed", zap.String("interrupt_id", rec.ID), zap.Error(derr))
			}
			m.dropWaiter(req.ExecutionID, ch)
			return nil, fmt.Errorf("suspend execution: %w", err)
		}
		if cpID != "" {
			if err := m.store.SetCheckpoint(ctx, rec.ID, cpID); err != nil {
				m.logger.Warn("record interrupt checkpoint failed",
					zap.String("interrupt_id", rec.ID),
					zap.String("checkpoint_id", cpID),
					zap.Error(err),
				)
			}
			rec.CheckpointID = cpID
		}
		// 回调期间已被 resolve 时，OnResume 看到的还是挂起前的执行状态，这里补一次
		if latest, err := m.store.Latest(ctx, rec.ExecutionID); err == nil && latest != nil &&
			latest.ID == rec.ID && latest.Status == StatusResolved && hooks.OnResume != nil {
			hooks.OnResume(ctx, latest, true)
		}
	}

	m.logger.Info("execution suspended for approval",
		zap.String("execution_id", rec.ExecutionID),
		zap.String("interrupt_id", rec.ID),
		zap.String("tool", rec.ToolName),
		zap.String("risk", string(rec.Risk)),
	)

	return m.wait(ctx, req.ExecutionID, ch)
}

// supersede 把执行遗留的 pending 记录置为 rejected，不触发 OnResume
func (m *InterruptManager) supersede(ctx context.Context, executionID string) error {
	prev, err := m.store.Latest(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load interrupt: %w", err)
	}
	if prev == nil || prev.Status != StatusPending {
		return nil
	}
	_, err = m.store.Resolve(ctx, executionID, Reject("superseded by a new approval request"), m.now().UTC())
	if err != nil && !errors.Is(err, ErrAlreadyResolved) && !errors.Is(err, ErrInterruptNotFound) {
		return fmt.Errorf("supersede interrupt: %w", err)
	}
	m.logger.Info("stale interrupt superseded",
		zap.String("execution_id", executionID),
		zap.String("interrupt_id", prev.ID),
	)
	return nil
}

// wait 阻塞直到收到决定、超时或 ctx 取消
func (m *InterruptManager) wait(ctx context.Context, executionID string, ch chan HumanResponse) (*HumanResponse, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var pollC <-chan time.Time
	if m.poll > 0 {
		ticker := time.NewTicker(m.poll)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		select {
		case resp := <-ch:
			return &resp, nil

		case <-ctx.Done():
			m.dropWaiter(executionID, ch)
			return nil, ctx.Err()

		case <-timer.C:
			m.logger.Warn("approval timed out, rejecting", zap.String("execution_id", executionID))
			if _, err := m.Resolve(context.WithoutCancel(ctx), executionID, Reject("approval timed out")); err != nil {
				// 与 Resolve 竞争失败时以已送达的决定为准
				select {
				case resp := <-ch:
					return &resp, nil
				default:
				}
			}
			m.dropWaiter(executionID, ch)
			return nil, ErrApprovalTimeout

		case <-pollC:
			rec, err := m.store.Latest(ctx, executionID)
			if err != nil || rec == nil || rec.Status != StatusResolved || rec.Response == nil {
				continue
			}
			m.dropWaiter(executionID, ch)
			select {
			case resp := <-ch:
				return &resp, nil
			default:
			}
			resp := *rec.Response
			return &resp, nil
		}
	}
}

func (m *InterruptManager) dropWaiter(executionID string, ch chan HumanResponse) {
	m.mu.Lock()
	if cur, ok := m.waiters[executionID]; ok && cur == ch {
		delete(m.waiters, executionID)
	}
	m.mu.Unlock()
}

// Resolve 处理人工决定。pending -> resolved 只会发生一次，
// 重复调用返回 ErrAlreadyResolved 且不会再次唤醒执行。
func (m *InterruptManager) Resolve(ctx context.Context, executionID string, resp HumanResponse) (*InterruptRecord, error) {
	if err := resp.Validate(); err != nil {
		return nil, err
	}

	rec, err := m.store.Resolve(ctx, executionID, resp, m.now().UTC())
	if err != nil {
		if !errors.Is(err, ErrInterruptNotFound) && !errors.Is(err, ErrAlreadyResolved) {
			m.logger.Error("resolve interrupt failed", zap.String("execution_id", executionID), zap.Error(err))
		}
		return nil, err
	}

	m.mu.Lock()
	ch, waiting := m.waiters[executionID]
	if waiting {
		delete(m.waiters, executionID)
	}
	m.mu.Unlock()

	m.logger.Info("interrupt resolved",
		zap.String("execution_id", executionID),
		zap.String("interrupt_id", rec.ID),
		zap.String("decision", string(resp.Type)),
		zap.Bool("waiting", waiting),
	)

	// 先执行回调再唤醒等待者，等待者醒来时执行状态已恢复
	if hooks := m.getHooks(); hooks.OnResume != nil {
		hooks.OnResume(ctx, rec.clone(), waiting)
	}
	if waiting {
		select {
		case ch <- resp:
		default:
		}
	}
	return rec, nil
}

// Get 返回执行最近的中断记录，无副作用，可安全轮询
func (m *InterruptManager) Get(ctx context.Context, executionID string) (*InterruptRecord, error) {
	rec, err := m.store.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrInterruptNotFound
	}
	return rec, nil
}

// Await 恢复原语：已 resolve 则直接返回决定，仍 pending 则阻塞等待。
// 用于进程重启后重新挂起执行。
func (m *InterruptManager) Await(ctx context.Context, executionID string) (*HumanResponse, error) {
	m.mu.Lock()
	if _, busy := m.waiters[executionID]; busy {
		m.mu.Unlock()
		return nil, ErrInterruptPending
	}
	ch := make(chan HumanResponse, 1)
	m.waiters[executionID] = ch
	m.mu.Unlock()

	rec, err := m.store.Latest(ctx, executionID)
	if err != nil || rec == nil {
		m.dropWaiter(executionID, ch)
		if err == nil {
			err = ErrInterruptNotFound
		}
		return nil, err
	}
	if rec.Status == StatusResolved && rec.Response != nil {
		m.dropWaiter(executionID, ch)
		select {
		case resp := <-ch:
			return &resp, nil
		default:
		}
		resp := *rec.Response
		return &resp, nil
	}
	return m.wait(ctx, executionID, ch)
}

// Cancel 执行被取消时自动 reject 其 pending 中断。
// 返回是否确实 reject 了一个中断。
func (m *InterruptManager) Cancel(ctx context.Context, executionID, reason string) (bool, error) {
	if reason == "" {
		reason = "execution cancelled"
	}
	_, err := m.Resolve(ctx, executionID, Reject(reason))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrInterruptNotFound), errors.Is(err, ErrAlreadyResolved):
		return false, nil
	default:
		return false, err
	}
}

// Restore 重启后加载仍在等待决定的中断
func (m *InterruptManager) Restore(ctx context.Context) ([]*InterruptRecord, error) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending interrupts: %w", err)
	}
	m.logger.Info("restored pending interrupts", zap.Int("count", len(pending)))
	return pending, nil
}

// Waiting 本进程内是否有执行在等待该中断
func (m *InterruptManager) Waiting(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiters[executionID]
	return ok
}
