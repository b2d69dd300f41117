package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// =============================================================================
// ✋ 审批 / 中断 Handler
// =============================================================================

// InterruptService 中断的查询与处理，由 hitl.InterruptManager 实现
type InterruptService interface {
	Resolve(ctx context.Context, executionID string, resp hitl.HumanResponse) (*hitl.InterruptRecord, error)
	Get(ctx context.Context, executionID string) (*hitl.InterruptRecord, error)
}

// ExecutionCanceller 取消执行，由 supervisor.Supervisor 实现
type ExecutionCanceller interface {
	Cancel(ctx context.Context, executionID, reason string) error
}

// ResumeRequest POST /api/v1/executions/resume 请求体
type ResumeRequest struct {
	ExecutionID string         `json:"executionId"`
	Approved    bool           `json:"approved"`
	EditedArgs  map[string]any `json:"editedArgs,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// ResumeResponse 审批处理结果
type ResumeResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Decision    string `json:"decision"`
}

// CancelRequest 取消请求体（可选）
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// 审批结果状态
const (
	ResumeStatusResumed  = "resumed"
	ResumeStatusRejected = "rejected"
)

// InterruptHandler 审批相关端点
type InterruptHandler struct {
	interrupts InterruptService
	executions ExecutionCanceller
	owners     ExecutionOwner
	logger     *zap.Logger
}

// NewInterruptHandler 创建处理器；executions 为空时取消端点返回 503，
// owners 为空时不做归属检查
func NewInterruptHandler(interrupts InterruptService, executions ExecutionCanceller, owners ExecutionOwner, logger *zap.Logger) *InterruptHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InterruptHandler{
		interrupts: interrupts,
		executions: executions,
		owners:     owners,
		logger:     logger.With(zap.String("component", "interrupt_handler")),
	}
}

// owned 执行不属于请求用户时按不存在处理
func (h *InterruptHandler) owned(r *http.Request, executionID string) bool {
	if h.owners == nil {
		return true
	}
	owner, found := h.owners(r.Context(), executionID)
	if !found {
		return true
	}
	if ownedBy(r, owner) {
		return true
	}
	h.logger.Warn("execution access denied",
		zap.String("execution_id", executionID),
		zap.String("request_id", requestID(r)),
	)
	return false
}

// HandleResume 处理 POST /api/v1/executions/resume。
// approved=false 转为 ignore；approved=true 且带 editedArgs 转为 edit，否则 accept。
// 没有中断或中断已处理都返回 404，重复提交不会再次执行动作。
func (h *InterruptHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req ResumeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.ExecutionID = strings.TrimSpace(req.ExecutionID)
	if req.ExecutionID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "executionId is required", h.logger)
		return
	}

	if !h.owned(r, req.ExecutionID) {
		h.writeInterruptError(w, r, req.ExecutionID, hitl.ErrInterruptNotFound)
		return
	}

	resp := hitl.FromApproval(req.Approved, req.EditedArgs)
	if !req.Approved {
		resp.Reason = req.Reason
	}

	rec, err := h.interrupts.Resolve(r.Context(), req.ExecutionID, resp)
	if err != nil {
		h.writeInterruptError(w, r, req.ExecutionID, err)
		return
	}

	status := ResumeStatusResumed
	if !resp.Approved() {
		status = ResumeStatusRejected
	}
	h.logger.Info("execution resumed",
		zap.String("execution_id", req.ExecutionID),
		zap.String("interrupt_id", rec.ID),
		zap.String("decision", string(resp.Type)),
	)
	WriteJSON(w, http.StatusOK, ResumeResponse{
		Success:     true,
		ExecutionID: req.ExecutionID,
		Status:      status,
		Decision:    string(resp.Type),
	})
}

// HandleGetInterrupt 处理 GET /api/v1/executions/{id}/interrupt，只读，可安全轮询
func (h *InterruptHandler) HandleGetInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "execution id is required", h.logger)
		return
	}
	if !h.owned(r, id) {
		h.writeInterruptError(w, r, id, hitl.ErrInterruptNotFound)
		return
	}
	rec, err := h.interrupts.Get(r.Context(), id)
	if err != nil {
		h.writeInterruptError(w, r, id, err)
		return
	}
	WriteSuccess(w, r, rec)
}

// HandleCancel 处理 POST /api/v1/executions/{id}/cancel，挂起中的审批会被自动 reject
func (h *InterruptHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "execution control unavailable", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "execution id is required", h.logger)
		return
	}

	if !h.owned(r, id) {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrExecutionNotFound,
			fmt.Sprintf("execution %s not found", id), h.logger)
		return
	}

	var req CancelRequest
	if r.ContentLength > 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	if err := h.executions.Cancel(r.Context(), id, req.Reason); err != nil {
		WriteAnyError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, map[string]string{
		"execution_id": id,
		"status":       "cancelled",
	})
}

func (h *InterruptHandler) writeInterruptError(w http.ResponseWriter, r *http.Request, executionID string, err error) {
	switch {
	case errors.Is(err, hitl.ErrInterruptNotFound):
		WriteError(w, r, types.NewError(types.ErrInterruptNotFound,
			fmt.Sprintf("no interrupt for execution %s", executionID)).
			WithHTTPStatus(http.StatusNotFound), h.logger)
	case errors.Is(err, hitl.ErrAlreadyResolved):
		WriteError(w, r, types.NewError(types.ErrInterruptResolved,
			fmt.Sprintf("interrupt for execution %s already resolved", executionID)).
			WithHTTPStatus(http.StatusNotFound), h.logger)
	default:
		WriteAnyError(w, r, err, h.logger)
	}
}
