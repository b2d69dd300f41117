package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action 审批通过后执行的动作
type Action func(ctx context.Context, args map[string]any) (any, error)

// RejectedError 动作被拒绝时等待方收到的错误
type RejectedError struct {
	ToolName string
	Reason   string
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("action %s rejected: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("action %s rejected by user", e.ToolName)
}

// ConfirmationResult ResolveConfirmation 的结果
type ConfirmationResult struct {
	Success  bool   `json:"success"`
	Executed bool   `json:"executed"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Confirmation 一次待确认的动作
type Confirmation struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	CreatedAt   time.Time      `json:"created_at"`

	action Action
	done   chan struct{}
	result any
	err    error
}

// Wait 阻塞直到确认被处理
func (c *Confirmation) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConfirmationGate 以确认 ID 为键的一次性确认。
// 动作最多执行一次：重复 resolve（例如双击确认）只会返回失败结果。
type ConfirmationGate struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*Confirmation
}

// NewConfirmationGate 创建确认网关
func NewConfirmationGate(logger *zap.Logger) *ConfirmationGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmationGate{
		logger:  logger.With(zap.String("component", "confirmation_gate")),
		pending: make(map[string]*Confirmation),
	}
}

// Begin 登记待确认动作并立即返回
func (g *ConfirmationGate) Begin(executionID, toolName string, args map[string]any, action Action) *Confirmation {
	c := &Confirmation{
		ID:          "conf_" + uuid.NewString(),
		ExecutionID: executionID,
		ToolName:    toolName,
		Args:        cloneArgs(args),
		CreatedAt:   time.Now().UTC(),
		action:      action,
		done:        make(chan struct{}),
	}
	g.mu.Lock()
	g.pending[c.ID] = c
	g.mu.Unlock()

	g.logger.Debug("confirmation requested",
		zap.String("confirmation_id", c.ID),
		zap.String("execution_id", executionID),
		zap.String("tool", toolName),
	)
	return c
}

// RequestConfirmation 登记并阻塞直到确认被处理。
// onPending 在阻塞前收到确认 ID，用于通知界面。
func (g *ConfirmationGate) RequestConfirmation(ctx context.Context, executionID, toolName string, args map[string]any, action Action, onPending func(*Confirmation)) (any, error) {
	c := g.Begin(executionID, toolName, args, action)
	if onPending != nil {
		onPending(c)
	}
	res, err := c.Wait(ctx)
	if ctx.Err() != nil {
		g.mu.Lock()
		delete(g.pending, c.ID)
		g.mu.Unlock()
	}
	return res, err
}

// Lookup 返回仍待处理的确认
func (g *ConfirmationGate) Lookup(id string) (*Confirmation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.pending[id]
	return c, ok
}

// take 取出并移除确认；保证同一确认只被处理一次
func (g *ConfirmationGate) take(id string) *Confirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.pending[id]
	if !ok {
		return nil
	}
	delete(g.pending, id)
	return c
}

// ResolveConfirmation 处理确认。approved 为 false 时动作不会执行，
// 等待方收到 *RejectedError；editedArgs 非空时替换原参数。
func (g *ConfirmationGate) ResolveConfirmation(ctx context.Context, id string, approved bool, editedArgs map[string]any) ConfirmationResult {
	c := g.take(id)
	if c == nil {
		g.logger.Debug("confirmation not found or already resolved", zap.String("confirmation_id", id))
		return ConfirmationResult{Success: false, Error: "confirmation not found or already resolved"}
	}

	if !approved {
		c.err = &RejectedError{ToolName: c.ToolName}
		close(c.done)
		g.logger.Info("confirmation rejected", zap.String("confirmation_id", id), zap.String("tool", c.ToolName))
		return ConfirmationResult{Success: true, Executed: false}
	}

	args := c.Args
	if editedArgs != nil {
		args = editedArgs
	}
	result, err := g.run(ctx, c, args)
	c.result, c.err = result, err
	close(c.done)

	out := ConfirmationResult{Success: true, Executed: true, Result: result}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (g *ConfirmationGate) run(ctx context.Context, c *Confirmation, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", c.ToolName, r)
			g.logger.Error("confirmation action panicked", zap.String("tool", c.ToolName), zap.Any("panic", r))
		}
	}()
	if c.action == nil {
		return nil, nil
	}
	return c.action(ctx, args)
}

// CancelExecution 拒绝某个执行的全部待确认动作，返回拒绝的数量
func (g *ConfirmationGate) CancelExecution(executionID, reason string) int {
	g.mu.Lock()
	var victims []*Confirmation
	for id, c := range g.pending {
		if c.ExecutionID == executionID {
			victims = append(victims, c)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, c := range victims {
		c.err = &RejectedError{ToolName: c.ToolName, Reason: reason}
		close(c.done)
	}
	return len(victims)
}

// Pending 返回执行当前待确认的动作
func (g *ConfirmationGate) Pending(executionID string) []*Confirmation {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Confirmation
	for _, c := range g.pending {
		if executionID == "" || c.ExecutionID == executionID {
			out = append(out, c)
		}
	}
	return out
}
