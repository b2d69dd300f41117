package execution

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// State 执行生命周期状态
type State string

const (
	StatePendingBootstrap     State = "pending_bootstrap"
	StateRunning              State = "running"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StatePaused               State = "paused"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
	StateCompleted            State = "completed"
)

// validTransitions 定义合法的状态转换；终态没有出边
var validTransitions = map[State][]State{
	StatePendingBootstrap:     {StateRunning, StateFailed, StateCancelled},
	StateRunning:              {StateAwaitingConfirmation, StatePaused, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingConfirmation: {StateRunning, StatePaused, StateFailed, StateCancelled},
	StatePaused:               {StateRunning, StateAwaitingConfirmation, StateFailed, StateCancelled},
	StateFailed:               {},
	StateCancelled:            {},
	StateCompleted:            {},
}

// AllStates 返回全部状态（按生命周期顺序）
func AllStates() []State {
	return []State{
		StatePendingBootstrap,
		StateRunning,
		StateAwaitingConfirmation,
		StatePaused,
		StateFailed,
		StateCancelled,
		StateCompleted,
	}
}

// Transitions 返回 from 的合法后继状态（不含自身）
func Transitions(from State) []State {
	next := validTransitions[from]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// IsTerminal 判断是否为终态
func IsTerminal(s State) bool {
	return s == StateFailed || s == StateCancelled || s == StateCompleted
}

// Valid 判断是否为已知状态
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s State) String() string { return string(s) }

// CanTransition 检查状态转换是否合法；自转换总是允许
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError 非法状态转换错误
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// AsTypesError 转换为带错误码的结构化错误
func (e *InvalidTransitionError) AsTypesError() *types.Error {
	return types.NewError(types.ErrInvalidTransition, e.Error()).
		WithHTTPStatus(http.StatusConflict).
		WithCause(e)
}

// AssertTransition 在转换非法时返回 *InvalidTransitionError
func AssertTransition(from, to State) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Stateful 是 SafeSetState 操作的对象
type Stateful interface {
	State() State
	SetState(State)
}

// SafeSetState 尝试转换状态。
// 非法转换记录一条 warning 并返回 false，对象保持不变。
func SafeSetState(obj Stateful, next State, logger *zap.Logger) bool {
	from := obj.State()
	if !CanTransition(from, next) {
		if logger != nil {
			logger.Warn("blocked state transition",
				zap.String("from", string(from)),
				zap.String("to", string(next)),
			)
		}
		return false
	}
	obj.SetState(next)
	return true
}
