package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/circuitbreaker"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/retry"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/stream"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/audit"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

const instrumentationName = "github.com/LuisNSantana/cleo-agent-sub013/agent/supervisor"

// DefaultAgentID supervisor 自身的 agent id
const DefaultAgentID = "cleo"

// ErrExecutionNotFound 执行不存在
var ErrExecutionNotFound = errors.New("execution not found")

// Specialist 可被委派的专家 agent
type Specialist interface {
	Handle(ctx context.Context, input map[string]any) (any, error)
}

// SpecialistFunc 函数适配器
type SpecialistFunc func(ctx context.Context, input map[string]any) (any, error)

// Handle implements Specialist.
func (f SpecialistFunc) Handle(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// ResumeHandler 在原等待者不存在时（例如重启后）接手已恢复的执行
type ResumeHandler func(ctx context.Context, exec *Execution, rec *hitl.InterruptRecord)

// ThreadRegistrar 记录 thread 归属，用于 checkpoint 用户归因
type ThreadRegistrar func(ctx context.Context, thread checkpoint.AgentThread) error

// Deps Supervisor 的依赖；除 Checkpoints 外均可省略
type Deps struct {
	Checkpoints   checkpoint.Store
	Breaker       *circuitbreaker.Breaker
	RetryPolicy   retry.Policy
	Interrupts    *hitl.InterruptManager
	Confirmations *hitl.ConfirmationGate
	Stream        *stream.Manager
	Audit         audit.Sink
	Metrics       Metrics
	Threads       ThreadRegistrar
	OnResume      ResumeHandler
	Tracer        trace.Tracer
	Logger        *zap.Logger
}

// Supervisor 串联状态机、熔断、重试、checkpoint、审批与事件流
type Supervisor struct {
	checkpoints   checkpoint.Store
	breaker       *circuitbreaker.Breaker
	retryer       *retry.Retryer
	interrupts    *hitl.InterruptManager
	confirmations *hitl.ConfirmationGate
	stream        *stream.Manager
	audit         audit.Sink
	metrics       Metrics
	threads       ThreadRegistrar
	onResume      ResumeHandler
	tracer        trace.Tracer
	delegations   metric.Int64Counter
	logger        *zap.Logger

	mu          sync.RWMutex
	executions  map[string]*Execution
	specialists map[string]Specialist
}

// New 创建 Supervisor，并将自身注册为 InterruptManager 的挂起 / 恢复回调
func New(deps Deps) (*Supervisor, error) {
	if deps.Checkpoints == nil {
		return nil, errors.New("supervisor: checkpoint store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "supervisor"))

	s := &Supervisor{
		checkpoints:   deps.Checkpoints,
		breaker:       deps.Breaker,
		interrupts:    deps.Interrupts,
		confirmations: deps.Confirmations,
		stream:        deps.Stream,
		audit:         deps.Audit,
		metrics:       deps.Metrics,
		threads:       deps.Threads,
		onResume:      deps.OnResume,
		tracer:        deps.Tracer,
		logger:        logger,
		executions:    make(map[string]*Execution),
		specialists:   make(map[string]Specialist),
	}
	if s.breaker == nil {
		s.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(), logger)
	}
	if s.interrupts == nil {
		s.interrupts = hitl.NewInterruptManager(nil, logger)
	}
	if s.confirmations == nil {
		s.confirmations = hitl.NewConfirmationGate(logger)
	}
	if s.stream == nil {
		s.stream = stream.NewManager(stream.Default, logger)
	}
	if s.audit == nil {
		s.audit = audit.NopSink{}
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrumentationName)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter("supervisor.delegation.total",
		metric.WithDescription("Total number of delegations"),
		metric.WithUnit("{delegation}"))
	if err != nil {
		return nil, fmt.Errorf("create delegation counter: %w", err)
	}
	s.delegations = counter

	policy := deps.RetryPolicy
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.metrics.RecordRetry("delegate")
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}
	s.retryer = retry.New(policy, logger)

	s.interrupts.SetHooks(hitl.SuspendHooks{
		OnSuspend: s.suspend,
		OnResume:  s.resumed,
	})
	return s, nil
}

// Stream 返回事件分发器
func (s *Supervisor) Stream() *stream.Manager { return s.stream }

// Interrupts 返回中断管理器
func (s *Supervisor) Interrupts() *hitl.InterruptManager { return s.interrupts }

// Confirmations 返回确认门
func (s *Supervisor) Confirmations() *hitl.ConfirmationGate { return s.confirmations }

// Breaker 返回熔断器
func (s *Supervisor) Breaker() *circuitbreaker.Breaker { return s.breaker }

// Checkpoints 返回 checkpoint 存储
func (s *Supervisor) Checkpoints() checkpoint.Store { return s.checkpoints }

// Register 注册专家 agent
func (s *Supervisor) Register(agentID string, sp Specialist) {
	s.mu.Lock()
	s.specialists[agentID] = sp
	s.mu.Unlock()
}

// Specialists 返回已注册的 agent id（有序）
func (s *Supervisor) Specialists() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.specialists))
	for id := range s.specialists {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) specialist(agentID string) (Specialist, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.specialists[agentID]
	return sp, ok
}

// =============================================================================
// 执行注册表
// =============================================================================

// Get 按 id 获取执行
func (s *Supervisor) Get(executionID string) (*Execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	return e, ok
}

// Owner 返回执行的归属用户。不在本进程内的执行通过其中断记录的 thread
// 找到最新 checkpoint 上的归属；都找不到时 found 为 false。
func (s *Supervisor) Owner(ctx context.Context, executionID string) (userID string, found bool) {
	if e, ok := s.Get(executionID); ok {
		return e.UserID, true
	}
	rec, err := s.interrupts.Get(ctx, executionID)
	if err != nil || rec.ThreadID == "" {
		return "", false
	}
	tuple, err := s.checkpoints.GetTuple(ctx, checkpoint.Config{ThreadID: rec.ThreadID})
	if err != nil || tuple == nil {
		return "", false
	}
	desc, _ := tuple.Checkpoint.ChannelValues[executionKey].(map[string]any)
	if owner := stringOf(desc["user_id"]); owner != "" {
		return owner, true
	}
	return tuple.UserID, true
}

func (s *Supervisor) lookup(executionID string) (*Execution, error) {
	e, ok := s.Get(executionID)
	if !ok {
		return nil, types.NewError(types.ErrExecutionNotFound, fmt.Sprintf("execution %s not found", executionID)).
			WithHTTPStatus(http.StatusNotFound).
			WithCause(ErrExecutionNotFound)
	}
	return e, nil
}

// List 返回全部执行快照，按开始时间排序
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.executions))
	for _, e := range s.executions {
		out = append(out, e.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Supervisor) register(e *Execution) {
	s.mu.Lock()
	s.executions[e.ID] = e
	s.mu.Unlock()
}

// scope 把执行信息放入 context
func (e *Execution) scope(ctx context.Context) context.Context {
	ctx = types.WithExecutionID(ctx, e.ID)
	ctx = types.WithThreadID(ctx, e.ThreadID)
	if e.UserID != "" {
		ctx = types.WithUserID(ctx, e.UserID)
	}
	if _, ok := types.AgentID(ctx); !ok {
		ctx = types.WithAgentID(ctx, e.AgentID)
	}
	return ctx
}

// =============================================================================
// 状态转换
// =============================================================================

func (s *Supervisor) transition(ctx context.Context, e *Execution, to execution.State) error {
	e.tmu.Lock()
	defer e.tmu.Unlock()

	from := e.State()
	if !execution.SafeSetState(e, to, s.logger.With(zap.String("execution_id", e.ID))) {
		s.metrics.RecordStateTransition(string(from), string(to), false)
		return (&execution.InvalidTransitionError{From: from, To: to}).AsTypesError()
	}
	if from == to {
		return nil
	}

	s.metrics.RecordStateTransition(string(from), string(to), true)
	s.record(ctx, e, audit.LevelInfo, audit.EventStateChanged, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	s.stream.Emit(stream.ModeUpdates, "state_changed", map[string]any{
		"from": string(from),
		"to":   string(to),
	}, e.meta())
	return nil
}

// record 写审计；失败只记录日志
func (s *Supervisor) record(ctx context.Context, e *Execution, level audit.Level, event string, data map[string]any) {
	entry := &audit.Entry{
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Event:       event,
		ExecutionID: e.ID,
		AgentID:     e.AgentID,
		UserID:      e.UserID,
		ThreadID:    e.ThreadID,
		State:       string(e.State()),
		Data:        data,
	}
	if agentID, ok := types.AgentID(ctx); ok {
		entry.AgentID = agentID
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Debug("audit record failed", zap.String("event", event), zap.Error(err))
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// StartRequest 启动参数
type StartRequest struct {
	ThreadID string
	UserID   string
	AgentID  string
	Input    map[string]any
}

// Start 创建执行：pending_bootstrap -> 写入 input checkpoint -> running
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	if req.AgentID == "" {
		req.AgentID = DefaultAgentID
	}
	if req.UserID == "" {
		req.UserID, _ = types.UserID(ctx)
	}

	now := time.Now().UTC()
	e := &Execution{
		ID:        "exec_" + uuid.NewString(),
		ThreadID:  req.ThreadID,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		StartedAt: now,
		state:     execution.StatePendingBootstrap,
		step:      -2, // input checkpoint 的 step 为 -1
		updatedAt: now,
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.register(e)

	ctx = e.scope(ctx)
	s.record(ctx, e, audit.LevelInfo, audit.EventExecutionStarted, nil)

	if s.threads != nil {
		if err := s.threads(ctx, checkpoint.AgentThread{
			ThreadID: e.ThreadID,
			UserID:   e.UserID,
			AgentID:  e.AgentID,
		}); err != nil {
			s.logger.Warn("thread registration failed", zap.String("thread_id", e.ThreadID), zap.Error(err))
		}
	}

	if _, err := s.Checkpoint(ctx, e.ID, req.Input, checkpoint.SourceInput); err != nil {
		_ = s.fail(ctx, e, err)
		return e, err
	}
	if err := s.transition(ctx, e, execution.StateRunning); err != nil {
		return e, err
	}
	return e, nil
}

// Pause running -> paused
func (s *Supervisor) Pause(ctx context.Context, executionID string) error {
	e, err := s.lookup(executionID)
	if err != nil {
		return err
	}
	return s.transition(e.scope(ctx), e, execution.StatePaused)
}

// Continue paused -> running
func (s *Supervisor) Continue(ctx context.Context, executionID string) error {
	e, err := s.lookup(executionID)
	if err != nil {
		return err
	}
	return s.transition(e.scope(ctx), e, execution.StateRunning)
}

// Complete 以 output 结束执行
func (s *Supervisor) Complete(ctx context.Context, executionID string, output any) error {
	e, err := s.lookup(executionID)
	if err != nil {
		return err
	}
	ctx = e.scope(ctx)

	if err := s.transition(ctx, e, execution.StateCompleted); err != nil {
		return err
	}
	s.finalCheckpoint(ctx, e, map[string]any{"output": output})
	s.finish(ctx, e, audit.LevelInfo, nil)
	s.stream.EmitValues(map[string]any{"output": output}, e.meta())
	return nil
}

// Fail 以错误结束执行
func (s *Supervisor) Fail(ctx context.Context, executionID string, cause error) error {
	e, err := s.lookup(executionID)
	if err != nil {
		return err
	}
	return s.fail(e.scope(ctx), e, cause)
}

func (s *Supervisor) fail(ctx context.Context, e *Execution, cause error) error {
	msg := "execution failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.transition(ctx, e, execution.StateFailed); err != nil {
		return err
	}
	e.setError(msg)
	s.finalCheckpoint(ctx, e, map[string]any{"error": msg})
	s.finish(ctx, e, audit.LevelError, map[string]any{"error": msg})
	return nil
}

// Cancel 取消执行；挂起中的审批自动 reject，待确认动作全部作废
func (s *Supervisor) Cancel(ctx context.Context, executionID, reason string) error {
	e, err := s.lookup(executionID)
	if err != nil {
		return err
	}
	ctx = e.scope(ctx)
	if reason == "" {
		reason = "execution cancelled"
	}

	// 先进入终态，随后的 OnResume 不会再把执行拉回 running
	if err := s.transition(ctx, e, execution.StateCancelled); err != nil {
		return err
	}
	e.setError(reason)

	if _, err := s.interrupts.Cancel(ctx, e.ID, reason); err != nil {
		s.logger.Warn("auto-reject of pending interrupt failed", zap.String("execution_id", e.ID), zap.Error(err))
	}
	if n := s.confirmations.CancelExecution(e.ID, reason); n > 0 {
		s.logger.Info("pending confirmations cancelled", zap.String("execution_id", e.ID), zap.Int("count", n))
	}
	s.finalCheckpoint(ctx, e, map[string]any{"reason": reason})
	s.finish(ctx, e, audit.LevelWarn, map[string]any{"reason": reason})
	return nil
}

// finalCheckpoint 记录终态，其他实例或重启后的 Resume 据此拒绝恢复
func (s *Supervisor) finalCheckpoint(ctx context.Context, e *Execution, values map[string]any) {
	if _, err := s.Checkpoint(context.WithoutCancel(ctx), e.ID, values, checkpoint.SourceLoop); err != nil {
		s.logger.Warn("final checkpoint failed", zap.String("execution_id", e.ID), zap.Error(err))
	}
}

func (s *Supervisor) finish(ctx context.Context, e *Execution, level audit.Level, data map[string]any) {
	snap := e.Snapshot()
	s.metrics.RecordExecution(snap.AgentID, string(snap.State), time.Since(snap.StartedAt))
	s.record(ctx, e, level, audit.EventExecutionFinished, data)
	if e.cancel != nil {
		e.cancel()
	}
}
