package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
)

// Execution 一次 supervisor 执行
type Execution struct {
	ID        string
	ThreadID  string
	UserID    string
	AgentID   string
	StartedAt time.Time

	// tmu 串行化状态转换（读取 + 校验 + 写入）
	tmu sync.Mutex

	mu           sync.RWMutex
	state        execution.State
	step         int
	checkpointID string
	lastError    string
	updatedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// State implements execution.Stateful.
func (e *Execution) State() execution.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SetState implements execution.Stateful.
func (e *Execution) SetState(s execution.State) {
	e.mu.Lock()
	e.state = s
	e.updatedAt = time.Now().UTC()
	e.mu.Unlock()
}

// Context 执行级 context，Cancel 时被取消
func (e *Execution) Context() context.Context { return e.ctx }

func (e *Execution) nextStep() (step int, parent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.step++
	return e.step, e.checkpointID
}

func (e *Execution) setCheckpoint(id string) {
	e.mu.Lock()
	e.checkpointID = id
	e.mu.Unlock()
}

func (e *Execution) setError(msg string) {
	e.mu.Lock()
	e.lastError = msg
	e.mu.Unlock()
}

// Snapshot 执行的只读视图
type Snapshot struct {
	ID           string          `json:"execution_id"`
	ThreadID     string          `json:"thread_id"`
	UserID       string          `json:"user_id,omitempty"`
	AgentID      string          `json:"agent_id"`
	State        execution.State `json:"state"`
	Step         int             `json:"step"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot 返回当前视图
func (e *Execution) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		ID:           e.ID,
		ThreadID:     e.ThreadID,
		UserID:       e.UserID,
		AgentID:      e.AgentID,
		State:        e.state,
		Step:         e.step,
		CheckpointID: e.checkpointID,
		Error:        e.lastError,
		StartedAt:    e.StartedAt,
		UpdatedAt:    e.updatedAt,
	}
}

// meta 流事件附带的执行信息
func (e *Execution) meta() map[string]any {
	return map[string]any{
		"execution_id": e.ID,
		"thread_id":    e.ThreadID,
		"agent_id":     e.AgentID,
	}
}

// executionKey checkpoint 中保存执行元信息的 channel
const executionKey = "__execution__"

func (e *Execution) descriptor() map[string]any {
	s := e.Snapshot()
	return map[string]any{
		"execution_id": s.ID,
		"agent_id":     s.AgentID,
		"user_id":      s.UserID,
		"state":        string(s.State),
		"started_at":   s.StartedAt.Format(time.RFC3339Nano),
	}
}
