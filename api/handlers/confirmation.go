package handlers

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// =============================================================================
// ☑️ 一次性确认 Handler
// =============================================================================

// ConfirmationService 由 hitl.ConfirmationGate 实现
type ConfirmationService interface {
	Lookup(id string) (*hitl.Confirmation, bool)
	ResolveConfirmation(ctx context.Context, id string, approved bool, editedArgs map[string]any) hitl.ConfirmationResult
}

// ConfirmationRequest POST /api/v1/confirmations/{id}/resolve 请求体
type ConfirmationRequest struct {
	Approved   bool           `json:"approved"`
	EditedArgs map[string]any `json:"editedArgs,omitempty"`
}

// ConfirmationHandler 确认端点
type ConfirmationHandler struct {
	gate   ConfirmationService
	owners ExecutionOwner
	logger *zap.Logger
}

// NewConfirmationHandler 创建处理器；owners 为空时不做归属检查
func NewConfirmationHandler(gate ConfirmationService, owners ExecutionOwner, logger *zap.Logger) *ConfirmationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmationHandler{
		gate:   gate,
		owners: owners,
		logger: logger.With(zap.String("component", "confirmation_handler")),
	}
}

// HandleResolve 处理 POST /api/v1/confirmations/{id}/resolve。
// 确认不存在或已处理时返回 404，动作不会再次执行。
func (h *ConfirmationHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "confirmation id is required", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req ConfirmationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if c, ok := h.gate.Lookup(id); ok && h.owners != nil {
		if owner, found := h.owners(r.Context(), c.ExecutionID); found && !ownedBy(r, owner) {
			h.logger.Warn("confirmation access denied",
				zap.String("confirmation_id", id),
				zap.String("execution_id", c.ExecutionID),
			)
			h.notFound(w, r, id)
			return
		}
	}

	res := h.gate.ResolveConfirmation(r.Context(), id, req.Approved, req.EditedArgs)
	if !res.Success {
		h.notFound(w, r, id)
		return
	}
	h.logger.Info("confirmation resolved",
		zap.String("confirmation_id", id),
		zap.Bool("approved", req.Approved),
		zap.Bool("executed", res.Executed),
	)
	WriteSuccess(w, r, res)
}

func (h *ConfirmationHandler) notFound(w http.ResponseWriter, r *http.Request, id string) {
	WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound,
		fmt.Sprintf("confirmation %s not found or already resolved", id), h.logger)
}
