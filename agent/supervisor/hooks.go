package supervisor

import (
	"context"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/stream"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/audit"
)

// 自定义流事件
const (
	EventInterrupt         = "interrupt"
	EventInterruptResolved = "interrupt_resolved"
	EventConfirmation      = "confirmation"
)

// suspend 审批挂起前：进入 awaiting_confirmation 并写 checkpoint，
// 返回的 checkpoint id 记录在中断上，用于之后恢复。
func (s *Supervisor) suspend(ctx context.Context, rec *hitl.InterruptRecord) (string, error) {
	e, err := s.lookup(rec.ExecutionID)
	if err != nil {
		return "", err
	}
	ctx = e.scope(ctx)

	if err := s.transition(ctx, e, execution.StateAwaitingConfirmation); err != nil {
		return "", err
	}

	cfg, err := s.Checkpoint(ctx, e.ID, map[string]any{
		"pending_interrupt": map[string]any{
			"interrupt_id": rec.ID,
			"tool_name":    rec.ToolName,
			"args":         rec.Args,
			"question":     rec.Question,
			"risk_level":   string(rec.Risk),
		},
	}, checkpoint.SourceUpdate)
	if err != nil {
		// 挂起失败，执行回到 running，由调用方处理错误
		_ = s.transition(ctx, e, execution.StateRunning)
		return "", err
	}

	s.metrics.RecordInterruptRequested(rec.ToolName)
	s.record(ctx, e, audit.LevelInfo, audit.EventInterruptCreated, map[string]any{
		"interrupt_id":  rec.ID,
		"tool_name":     rec.ToolName,
		"risk_level":    string(rec.Risk),
		"checkpoint_id": cfg.CheckpointID,
	})
	s.stream.Emit(stream.ModeCustom, EventInterrupt, map[string]any{
		"interrupt_id": rec.ID,
		"tool_name":    rec.ToolName,
		"question":     rec.Question,
		"risk_level":   string(rec.Risk),
		"args":         rec.Args,
	}, e.meta())
	return cfg.CheckpointID, nil
}

// resumed 审批结果到达后：回到 running。
// 没有本进程内等待者时交给 ResumeHandler 继续执行。
func (s *Supervisor) resumed(ctx context.Context, rec *hitl.InterruptRecord, waiting bool) {
	outcome := "unknown"
	if rec.Response != nil {
		outcome = string(rec.Response.Type)
	}
	s.metrics.RecordInterruptResolved(rec.ToolName, outcome)

	e, ok := s.Get(rec.ExecutionID)
	if !ok {
		s.logger.Warn("interrupt resolved for unknown execution",
			zap.String("execution_id", rec.ExecutionID),
			zap.String("interrupt_id", rec.ID),
		)
		return
	}
	ctx = e.scope(ctx)

	s.record(ctx, e, audit.LevelInfo, audit.EventInterruptResolved, map[string]any{
		"interrupt_id": rec.ID,
		"decision":     outcome,
		"waiting":      waiting,
	})
	s.stream.Emit(stream.ModeCustom, EventInterruptResolved, map[string]any{
		"interrupt_id": rec.ID,
		"decision":     outcome,
	}, e.meta())

	// Cancel 会先把执行置为终态，这里不再拉回 running
	if e.State() != execution.StateAwaitingConfirmation {
		return
	}
	if err := s.transition(ctx, e, execution.StateRunning); err != nil {
		return
	}

	if !waiting && s.onResume != nil {
		go s.onResume(context.WithoutCancel(ctx), e, rec)
	}
}

// Confirm 以一次性确认执行 action：执行进入 awaiting_confirmation，
// 通过 custom 流事件下发确认 ID，由 POST /api/v1/confirmations/{id}/resolve 决定。
// 拒绝时返回 *hitl.RejectedError；执行在等待期间被取消时保持终态。
func (s *Supervisor) Confirm(ctx context.Context, executionID, toolName string, args map[string]any, action hitl.Action) (any, error) {
	e, err := s.lookup(executionID)
	if err != nil {
		return nil, err
	}
	ctx = e.scope(ctx)
	if err := s.transition(ctx, e, execution.StateAwaitingConfirmation); err != nil {
		return nil, err
	}

	res, err := s.confirmations.RequestConfirmation(ctx, e.ID, toolName, args, action, func(c *hitl.Confirmation) {
		s.record(ctx, e, audit.LevelInfo, audit.EventConfirmationOpened, map[string]any{
			"confirmation_id": c.ID,
			"tool_name":       toolName,
		})
		s.stream.Emit(stream.ModeCustom, EventConfirmation, map[string]any{
			"confirmation_id": c.ID,
			"tool_name":       toolName,
			"args":            c.Args,
		}, e.meta())
	})

	data := map[string]any{"tool_name": toolName, "approved": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	s.record(ctx, e, audit.LevelInfo, audit.EventConfirmationDone, data)

	if e.State() == execution.StateAwaitingConfirmation {
		if terr := s.transition(ctx, e, execution.StateRunning); terr != nil && err == nil {
			err = terr
		}
	}
	return res, err
}
