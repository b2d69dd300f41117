package supervisor

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/circuitbreaker"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/retry"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/audit"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/telemetry"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// Delegate 将任务委派给专家 agent。
// 流程：熔断检查 -> 按重试策略调用 -> 记录熔断结果 -> 写 loop checkpoint。
// 熔断打开时返回 *circuitbreaker.OpenError，不调用专家。
func (s *Supervisor) Delegate(ctx context.Context, executionID, agentID string, input map[string]any) (any, error) {
	e, err := s.lookup(executionID)
	if err != nil {
		return nil, err
	}
	if st := e.State(); st != execution.StateRunning {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution %s is %s, cannot delegate", e.ID, st)).
			WithHTTPStatus(http.StatusConflict)
	}
	sp, ok := s.specialist(agentID)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("unknown agent %q", agentID)).
			WithHTTPStatus(http.StatusNotFound)
	}

	ctx = types.WithAgentID(e.scope(ctx), agentID)
	ctx, span := s.tracer.Start(ctx, "supervisor.delegate",
		trace.WithAttributes(telemetry.ExecutionAttributes(e.ID, e.ThreadID, agentID)...))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		if _, ok := types.TraceID(ctx); !ok {
			ctx = types.WithTraceID(ctx, sc.TraceID().String())
		}
	}

	meta := e.meta()
	meta["delegate_to"] = agentID

	decision := s.breaker.CanExecute(agentID)
	if !decision.Allowed {
		openErr := circuitbreaker.NewOpenError(agentID, decision)
		s.metrics.RecordCircuitRejection(agentID)
		s.metrics.RecordDelegation(agentID, "rejected")
		s.countDelegation(ctx, agentID, "rejected")
		s.record(ctx, e, audit.LevelWarn, audit.EventCircuitRejected, map[string]any{
			"reason":      decision.Reason,
			"retry_after": decision.RetryAfter.String(),
		})
		s.stream.EmitTaskError("", agentID, openErr, meta)
		span.SetStatus(codes.Error, "circuit open")
		return nil, openErr
	}

	taskID := "task_" + uuid.NewString()
	s.record(ctx, e, audit.LevelInfo, audit.EventDelegationStarted, map[string]any{"task_id": taskID})
	s.stream.EmitTaskStart(taskID, agentID, input, meta)

	res := retry.DoDetailed(ctx, s.retryer, func(ctx context.Context) (any, error) {
		return sp.Handle(ctx, input)
	})
	span.SetAttributes(attribute.Int("retry.attempts", res.Attempts))

	if !res.Success {
		s.breaker.RecordFailure(agentID, res.Err)
		s.metrics.RecordDelegation(agentID, "failure")
		s.countDelegation(ctx, agentID, "failure")
		s.record(ctx, e, audit.LevelError, audit.EventDelegationFailed, map[string]any{
			"task_id":  taskID,
			"attempts": res.Attempts,
			"error":    res.Err.Error(),
		})
		s.stream.EmitTaskError(taskID, agentID, res.Err, meta)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		s.logger.Warn("delegation failed",
			zap.String("execution_id", e.ID),
			zap.String("agent_id", agentID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		return nil, res.Err
	}

	s.breaker.RecordSuccess(agentID)
	s.metrics.RecordDelegation(agentID, "success")
	s.countDelegation(ctx, agentID, "success")
	s.record(ctx, e, audit.LevelInfo, audit.EventDelegationFinished, map[string]any{
		"task_id":     taskID,
		"attempts":    res.Attempts,
		"duration_ms": res.TotalDuration.Milliseconds(),
	})
	s.stream.EmitTaskComplete(taskID, agentID, res.Value, res.TotalDuration, meta)
	s.stream.EmitNodeUpdate(agentID, res.Value, meta)

	if _, err := s.Checkpoint(ctx, e.ID, map[string]any{agentID: res.Value}, checkpoint.SourceLoop); err != nil {
		s.logger.Warn("checkpoint after delegation failed",
			zap.String("execution_id", e.ID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
	return res.Value, nil
}

func (s *Supervisor) countDelegation(ctx context.Context, agentID, status string) {
	s.delegations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("status", status),
	))
}

// =============================================================================
// Checkpoint
// =============================================================================

// Checkpoint 为执行写入一个新 checkpoint，父节点为上一个 checkpoint。
// values 写入 channel_values，同时记录在 metadata.writes 中。
func (s *Supervisor) Checkpoint(ctx context.Context, executionID string, values map[string]any, source checkpoint.Source) (checkpoint.Config, error) {
	e, err := s.lookup(executionID)
	if err != nil {
		return checkpoint.Config{}, err
	}
	ctx = e.scope(ctx)

	step, parent := e.nextStep()
	channel := make(map[string]any, len(values)+1)
	maps.Copy(channel, values)
	channel[executionKey] = e.descriptor()

	cp := checkpoint.New(channel)
	md := checkpoint.Metadata{
		Source: source,
		Step:   step,
		Writes: values,
	}
	if parent != "" {
		md.Parents = map[string]string{"": parent}
	}

	start := time.Now()
	cfg, err := s.checkpoints.PutTuple(ctx, checkpoint.Config{
		ThreadID:     e.ThreadID,
		CheckpointID: parent,
	}, cp, md)
	s.metrics.RecordCheckpoint("put", err, time.Since(start))
	if err != nil {
		return checkpoint.Config{}, err
	}

	e.setCheckpoint(cfg.CheckpointID)
	s.record(ctx, e, audit.LevelInfo, audit.EventCheckpointSaved, map[string]any{
		"checkpoint_id": cfg.CheckpointID,
		"step":          step,
		"source":        string(source),
	})
	s.stream.EmitCheckpoint(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID, step, e.meta())
	return cfg, nil
}

// Resume 从 thread 最新的 checkpoint 重建执行（例如进程重启后）。
// 已在内存中的执行直接返回；处于终态的执行不能恢复。
func (s *Supervisor) Resume(ctx context.Context, threadID string) (*Execution, error) {
	start := time.Now()
	tuple, err := s.checkpoints.GetTuple(ctx, checkpoint.Config{ThreadID: threadID})
	s.metrics.RecordCheckpoint("get", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("no checkpoint for thread %s", threadID)).
			WithHTTPStatus(http.StatusNotFound)
	}

	desc, _ := tuple.Checkpoint.ChannelValues[executionKey].(map[string]any)
	executionID, _ := desc["execution_id"].(string)
	if executionID == "" {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("checkpoint %s carries no execution descriptor", tuple.Config.CheckpointID)).
			WithHTTPStatus(http.StatusUnprocessableEntity)
	}
	if e, ok := s.Get(executionID); ok {
		return e, nil
	}

	state := execution.State(stringOf(desc["state"]))
	if !state.Valid() {
		state = execution.StatePaused
	}
	if execution.IsTerminal(state) {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution %s already %s", executionID, state)).
			WithHTTPStatus(http.StatusConflict)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, stringOf(desc["started_at"]))
	e := &Execution{
		ID:           executionID,
		ThreadID:     threadID,
		UserID:       stringOf(desc["user_id"]),
		AgentID:      stringOf(desc["agent_id"]),
		StartedAt:    startedAt,
		state:        state,
		step:         tuple.Metadata.Step,
		checkpointID: tuple.Config.CheckpointID,
		updatedAt:    time.Now().UTC(),
	}
	if e.UserID == "" {
		e.UserID = tuple.UserID
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.register(e)

	ctx = e.scope(ctx)
	s.logger.Info("execution restored from checkpoint",
		zap.String("execution_id", e.ID),
		zap.String("thread_id", threadID),
		zap.String("checkpoint_id", e.checkpointID),
		zap.String("state", string(state)),
	)

	// 等待审批的执行保持 awaiting_confirmation，由审批结果驱动恢复
	if state == execution.StateAwaitingConfirmation {
		return e, nil
	}
	if err := s.transition(ctx, e, execution.StateRunning); err != nil {
		return e, err
	}
	return e, nil
}

// RestorePending 重启后恢复所有仍在等待审批的执行，返回恢复的数量
func (s *Supervisor) RestorePending(ctx context.Context) (int, error) {
	pending, err := s.interrupts.Restore(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, rec := range pending {
		if rec.ThreadID == "" {
			s.logger.Warn("pending interrupt has no thread, skipped", zap.String("execution_id", rec.ExecutionID))
			continue
		}
		if _, err := s.Resume(ctx, rec.ThreadID); err != nil {
			s.logger.Warn("restore execution failed",
				zap.String("execution_id", rec.ExecutionID),
				zap.String("thread_id", rec.ThreadID),
				zap.Error(err),
			)
			continue
		}
		restored++
	}
	return restored, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
