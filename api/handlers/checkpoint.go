package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// =============================================================================
// 🗂️ Checkpoint 历史 Handler
// =============================================================================

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// CheckpointHistory 历史查询结果，按 checkpoint id 倒序
type CheckpointHistory struct {
	ThreadID    string              `json:"thread_id"`
	Namespace   string              `json:"checkpoint_ns"`
	Checkpoints []*checkpoint.Tuple `json:"checkpoints"`
	// NextBefore 下一页的 before 参数；为空表示没有更多
	NextBefore string `json:"next_before,omitempty"`
}

// CheckpointHandler 只读的 checkpoint 查询端点
type CheckpointHandler struct {
	store  checkpoint.Store
	owners checkpoint.OwnerLookup
	logger *zap.Logger
}

// NewCheckpointHandler 创建处理器。owners 为空时仅按 checkpoint 上的 user_id 判断归属
func NewCheckpointHandler(store checkpoint.Store, owners checkpoint.OwnerLookup, logger *zap.Logger) *CheckpointHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointHandler{
		store:  store,
		owners: owners,
		logger: logger.With(zap.String("component", "checkpoint_handler")),
	}
}

// threadOwner thread 归属：优先 agent_threads 登记，其次 checkpoint 上的 user_id
func (h *CheckpointHandler) threadOwner(r *http.Request, threadID, fallback string) (string, error) {
	if h.owners != nil {
		owner, err := h.owners.OwnerOf(r.Context(), threadID)
		if err != nil {
			return "", err
		}
		if owner != "" {
			return owner, nil
		}
	}
	return fallback, nil
}

// authorize 校验归属；不属于请求用户的 thread 按不存在处理
func (h *CheckpointHandler) authorize(w http.ResponseWriter, r *http.Request, threadID, fallback string) bool {
	owner, err := h.threadOwner(r, threadID, fallback)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "lookup thread owner failed").WithCause(err), h.logger)
		return false
	}
	if ownedBy(r, owner) {
		return true
	}
	h.logger.Warn("thread access denied",
		zap.String("thread_id", threadID),
		zap.String("request_id", requestID(r)),
	)
	WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound, "thread not found", h.logger)
	return false
}

// HandleList 处理 GET /api/v1/threads/{thread_id}/checkpoints?ns=&before=&limit=
func (h *CheckpointHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "thread_id is required", h.logger)
		return
	}

	q := r.URL.Query()
	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
				fmt.Sprintf("invalid limit %q", raw), h.logger)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	cfg := checkpoint.Config{ThreadID: threadID, Namespace: q.Get("ns")}
	filter := &checkpoint.Filter{Limit: limit + 1}
	if before := q.Get("before"); before != "" {
		filter.Before = &checkpoint.Config{ThreadID: threadID, Namespace: cfg.Namespace, CheckpointID: before}
	}

	out := CheckpointHistory{
		ThreadID:    threadID,
		Namespace:   cfg.Namespace,
		Checkpoints: make([]*checkpoint.Tuple, 0, limit),
	}
	for tuple := range h.store.List(r.Context(), cfg, filter) {
		if len(out.Checkpoints) == limit {
			out.NextBefore = out.Checkpoints[limit-1].Config.CheckpointID
			break
		}
		out.Checkpoints = append(out.Checkpoints, tuple)
	}
	if err := r.Context().Err(); err != nil {
		WriteError(w, r, types.NewError(types.ErrTimeout, "request cancelled").WithCause(err), h.logger)
		return
	}
	var fallback string
	if len(out.Checkpoints) > 0 {
		fallback = out.Checkpoints[0].UserID
	}
	if !h.authorize(w, r, threadID, fallback) {
		return
	}
	WriteSuccess(w, r, out)
}

// HandleGet 处理 GET /api/v1/threads/{thread_id}/checkpoints/{checkpoint_id}；
// checkpoint_id 为 latest 时返回最新的一个
func (h *CheckpointHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if threadID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "thread_id is required", h.logger)
		return
	}
	cfg := checkpoint.Config{ThreadID: threadID, Namespace: r.URL.Query().Get("ns")}
	if id := r.PathValue("checkpoint_id"); id != "" && id != "latest" {
		cfg.CheckpointID = id
	}

	tuple, err := h.store.GetTuple(r.Context(), cfg)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInternalError, "load checkpoint failed").WithCause(err), h.logger)
		return
	}
	if tuple == nil {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound, "checkpoint not found", h.logger)
		return
	}
	if !h.authorize(w, r, threadID, tuple.UserID) {
		return
	}
	WriteSuccess(w, r, tuple)
}
