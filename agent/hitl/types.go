package hitl

import (
	"errors"
	"fmt"
	"time"
)

// Risk 工具风险等级
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ResponseType 人工决定的类型
type ResponseType string

const (
	ResponseAccept ResponseType = "accept"
	ResponseEdit   ResponseType = "edit"
	ResponseIgnore ResponseType = "ignore"
	ResponseReject ResponseType = "reject"
)

// HumanResponse 人工对中断的决定。
// accept 不带参数；edit 携带替换后的参数；ignore / reject 可附带原因。
type HumanResponse struct {
	Type   ResponseType   `json:"type"`
	Args   map[string]any `json:"args,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Accept 构造 accept 决定
func Accept() HumanResponse { return HumanResponse{Type: ResponseAccept} }

// Edit 构造 edit 决定
func Edit(args map[string]any) HumanResponse { return HumanResponse{Type: ResponseEdit, Args: args} }

// Reject 构造 reject 决定
func Reject(reason string) HumanResponse { return HumanResponse{Type: ResponseReject, Reason: reason} }

// Approved 工具调用是否继续执行
func (r HumanResponse) Approved() bool {
	return r.Type == ResponseAccept || r.Type == ResponseEdit
}

// Validate 校验决定是否合法
func (r HumanResponse) Validate() error {
	switch r.Type {
	case ResponseAccept, ResponseIgnore, ResponseReject:
		return nil
	case ResponseEdit:
		if r.Args == nil {
			return errors.New("edit response requires args")
		}
		return nil
	default:
		return fmt.Errorf("unknown response type %q", r.Type)
	}
}

// FromApproval 将 HTTP 层的 {approved, editedArgs} 转为 HumanResponse
func FromApproval(approved bool, editedArgs map[string]any) HumanResponse {
	switch {
	case !approved:
		return HumanResponse{Type: ResponseIgnore}
	case editedArgs != nil:
		return Edit(editedArgs)
	default:
		return Accept()
	}
}

// Status 中断状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// ApprovalRequest 被拦截的敏感工具调用
type ApprovalRequest struct {
	ExecutionID string         `json:"execution_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Question    string         `json:"question"`
	Risk        Risk           `json:"risk_level"`
}

// InterruptRecord 持久化的中断记录；resolve 之后只作为审计数据
type InterruptRecord struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	ThreadID     string         `json:"thread_id,omitempty"`
	ToolName     string         `json:"tool_name"`
	Args         map[string]any `json:"args"`
	Question     string         `json:"question"`
	Risk         Risk           `json:"risk_level"`
	Status       Status         `json:"status"`
	Response     *HumanResponse `json:"response,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

func (r *InterruptRecord) clone() *InterruptRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Args = cloneArgs(r.Args)
	if r.Response != nil {
		resp := *r.Response
		resp.Args = cloneArgs(r.Response.Args)
		cp.Response = &resp
	}
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func cloneArgs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var (
	// ErrInterruptNotFound 执行没有中断记录
	ErrInterruptNotFound = errors.New("interrupt not found")
	// ErrAlreadyResolved 中断已被处理，重复 resolve 不会再次执行
	ErrAlreadyResolved = errors.New("interrupt already resolved")
	// ErrInterruptPending 执行已有一个未处理的中断
	ErrInterruptPending = errors.New("execution already has a pending interrupt")
	// ErrApprovalTimeout 等待人工决定超时
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrMissingExecution 上下文中没有 execution id
	ErrMissingExecution = errors.New("execution id missing from context")
)
