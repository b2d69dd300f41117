package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/supervisor"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

type fakeCanceller struct {
	id, reason string
	err        error
}

func (f *fakeCanceller) Cancel(_ context.Context, id, reason string) error {
	f.id, f.reason = id, reason
	return f.err
}

func seedPending(t *testing.T, store hitl.InterruptStore, executionID string) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), &hitl.InterruptRecord{
		ID:          "int_" + executionID,
		ExecutionID: executionID,
		ToolName:    "send_email",
		Args:        map[string]any{"to": "a@example.com"},
		Question:    "Send it?",
		Risk:        hitl.RiskHigh,
		Status:      hitl.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}))
}

func resumeRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/resume", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestInterruptHandler_Resume(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantDecision hitl.ResponseType
		wantStatus   string
		wantArgs     map[string]any
		wantReason   string
	}{
		{
			name:         "approve",
			body:         `{"executionId":"exec-1","approved":true}`,
			wantDecision: hitl.ResponseAccept,
			wantStatus:   ResumeStatusResumed,
		},
		{
			name:         "approve with edits",
			body:         `{"executionId":"exec-1","approved":true,"editedArgs":{"to":"b@example.com"}}`,
			wantDecision: hitl.ResponseEdit,
			wantStatus:   ResumeStatusResumed,
			wantArgs:     map[string]any{"to": "b@example.com"},
		},
		{
			name:         "decline",
			body:         `{"executionId":"exec-1","approved":false,"reason":"not now"}`,
			wantDecision: hitl.ResponseIgnore,
			wantStatus:   ResumeStatusRejected,
			wantReason:   "not now",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := hitl.NewMemoryInterruptStore()
			seedPending(t, store, "exec-1")
			h := NewInterruptHandler(hitl.NewInterruptManager(store, nil), nil, nil, zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleResume(w, resumeRequest(tt.body))

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp ResumeResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, ResumeResponse{
				Success:     true,
				ExecutionID: "exec-1",
				Status:      tt.wantStatus,
				Decision:    string(tt.wantDecision),
			}, resp)

			rec, err := store.Latest(context.Background(), "exec-1")
			require.NoError(t, err)
			assert.Equal(t, hitl.StatusResolved, rec.Status)
			require.NotNil(t, rec.Response)
			assert.Equal(t, tt.wantDecision, rec.Response.Type)
			assert.Equal(t, tt.wantArgs, rec.Response.Args)
			assert.Equal(t, tt.wantReason, rec.Response.Reason)
		})
	}
}

func TestInterruptHandler_ResumeErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		seed       bool
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"missing id", `{"approved":true}`, true, http.StatusBadRequest, types.ErrInvalidRequest},
		{"blank id", `{"executionId":"  ","approved":true}`, true, http.StatusBadRequest, types.ErrInvalidRequest},
		{"malformed body", `{"executionId":`, true, http.StatusBadRequest, types.ErrInvalidRequest},
		{"no interrupt", `{"executionId":"exec-404","approved":true}`, false, http.StatusNotFound, types.ErrInterruptNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := hitl.NewMemoryInterruptStore()
			if tt.seed {
				seedPending(t, store, "exec-1")
			}
			h := NewInterruptHandler(hitl.NewInterruptManager(store, nil), nil, nil, nil)

			w := httptest.NewRecorder()
			h.HandleResume(w, resumeRequest(tt.body))

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestInterruptHandler_ResumeTwiceIsNotFound(t *testing.T) {
	store := hitl.NewMemoryInterruptStore()
	seedPending(t, store, "exec-1")
	h := NewInterruptHandler(hitl.NewInterruptManager(store, nil), nil, nil, nil)

	first := httptest.NewRecorder()
	h.HandleResume(first, resumeRequest(`{"executionId":"exec-1","approved":true}`))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.HandleResume(second, resumeRequest(`{"executionId":"exec-1","approved":false}`))
	assert.Equal(t, http.StatusNotFound, second.Code)
	resp := decodeResponse(t, second)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInterruptResolved), resp.Error.Code)

	rec, err := store.Latest(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, hitl.ResponseAccept, rec.Response.Type)
}

func TestInterruptHandler_ResumeWakesWaiter(t *testing.T) {
	mgr := hitl.NewInterruptManager(hitl.NewMemoryInterruptStore(), nil)
	h := NewInterruptHandler(mgr, nil, nil, nil)

	got := make(chan *hitl.HumanResponse, 1)
	go func() {
		resp, err := mgr.Request(context.Background(), hitl.ApprovalRequest{
			ExecutionID: "exec-w",
			ToolName:    "delete_file",
			Risk:        hitl.RiskHigh,
		})
		if err == nil {
			got <- resp
		}
		close(got)
	}()
	require.Eventually(t, func() bool { return mgr.Waiting("exec-w") }, 2*time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	h.HandleResume(w, resumeRequest(`{"executionId":"exec-w","approved":true,"editedArgs":{"path":"/tmp/x"}}`))
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case resp := <-got:
		require.NotNil(t, resp)
		assert.Equal(t, hitl.ResponseEdit, resp.Type)
		assert.Equal(t, map[string]any{"path": "/tmp/x"}, resp.Args)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestInterruptHandler_RequiresJSON(t *testing.T) {
	h := NewInterruptHandler(hitl.NewInterruptManager(nil, nil), nil, nil, nil)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/resume", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.HandleResume(w, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestInterruptHandler_GetInterrupt(t *testing.T) {
	store := hitl.NewMemoryInterruptStore()
	seedPending(t, store, "exec-1")
	h := NewInterruptHandler(hitl.NewInterruptManager(store, nil), nil, nil, nil)

	get := func(id string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+id+"/interrupt", nil)
		r.SetPathValue("id", id)
		w := httptest.NewRecorder()
		h.HandleGetInterrupt(w, r)
		return w
	}

	// 轮询不改变状态
	for range 3 {
		w := get("exec-1")
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Success bool                `json:"success"`
			Data    hitl.InterruptRecord `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, hitl.StatusPending, resp.Data.Status)
		assert.Equal(t, "send_email", resp.Data.ToolName)
		assert.Equal(t, hitl.RiskHigh, resp.Data.Risk)
	}

	assert.Equal(t, http.StatusNotFound, get("exec-unknown").Code)
}

func TestInterruptHandler_Cancel(t *testing.T) {
	t.Run("with reason", func(t *testing.T) {
		c := &fakeCanceller{}
		h := NewInterruptHandler(hitl.NewInterruptManager(nil, nil), c, nil, nil)

		r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-1/cancel", strings.NewReader(`{"reason":"user left"}`))
		r.SetPathValue("id", "exec-1")
		w := httptest.NewRecorder()
		h.HandleCancel(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "exec-1", c.id)
		assert.Equal(t, "user left", c.reason)
	})

	t.Run("without body", func(t *testing.T) {
		c := &fakeCanceller{}
		h := NewInterruptHandler(hitl.NewInterruptManager(nil, nil), c, nil, nil)

		r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-2/cancel", nil)
		r.SetPathValue("id", "exec-2")
		w := httptest.NewRecorder()
		h.HandleCancel(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "exec-2", c.id)
		assert.Empty(t, c.reason)
	})

	t.Run("typed error", func(t *testing.T) {
		c := &fakeCanceller{err: types.NewError(types.ErrInvalidTransition, "already completed")}
		h := NewInterruptHandler(hitl.NewInterruptManager(nil, nil), c, nil, nil)

		r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-3/cancel", nil)
		r.SetPathValue("id", "exec-3")
		w := httptest.NewRecorder()
		h.HandleCancel(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("plain error", func(t *testing.T) {
		c := &fakeCanceller{err: errors.New("boom")}
		h := NewInterruptHandler(hitl.NewInterruptManager(nil, nil), c, nil, nil)

		r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-4/cancel", nil)
		r.SetPathValue("id", "exec-4")
		w := httptest.NewRecorder()
		h.HandleCancel(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("no canceller", func(t *testing.T) {
		h := NewInterruptHandler(hitl.NewInterruptManager(nil, nil), nil, nil, nil)
		r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-5/cancel", nil)
		r.SetPathValue("id", "exec-5")
		w := httptest.NewRecorder()
		h.HandleCancel(w, r)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestInterruptHandler_CancelThroughSupervisor(t *testing.T) {
	mgr := hitl.NewInterruptManager(hitl.NewMemoryInterruptStore(), nil)
	sup, err := supervisor.New(supervisor.Deps{
		Checkpoints: checkpoint.NewMemoryStore(),
		Interrupts:  mgr,
	})
	require.NoError(t, err)
	h := NewInterruptHandler(mgr, sup, nil, nil)

	e, err := sup.Start(context.Background(), supervisor.StartRequest{ThreadID: "t-1"})
	require.NoError(t, err)

	outcome := make(chan error, 1)
	go func() {
		_, err := mgr.Request(context.Background(), hitl.ApprovalRequest{
			ExecutionID: e.ID,
			ThreadID:    "t-1",
			ToolName:    "send_email",
			Risk:        hitl.RiskHigh,
		})
		outcome <- err
	}()
	require.Eventually(t, func() bool { return e.State() == execution.StateAwaitingConfirmation },
		2*time.Second, 5*time.Millisecond)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+e.ID+"/cancel", nil)
	r.SetPathValue("id", e.ID)
	w := httptest.NewRecorder()
	h.HandleCancel(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case err := <-outcome:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending approval was not released")
	}
	assert.Equal(t, execution.StateCancelled, e.State())

	rec, err := mgr.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, hitl.ResponseReject, rec.Response.Type)

	// 已完成的执行不能取消
	done, err := sup.Start(context.Background(), supervisor.StartRequest{ThreadID: "t-2"})
	require.NoError(t, err)
	require.NoError(t, sup.Complete(context.Background(), done.ID, "ok"))
	late := httptest.NewRequest(http.MethodPost, "/api/v1/executions/"+done.ID+"/cancel", nil)
	late.SetPathValue("id", done.ID)
	conflict := httptest.NewRecorder()
	h.HandleCancel(conflict, late)
	assert.Equal(t, http.StatusConflict, conflict.Code)

	missing := httptest.NewRequest(http.MethodPost, "/api/v1/executions/nope/cancel", nil)
	missing.SetPathValue("id", "nope")
	nf := httptest.NewRecorder()
	h.HandleCancel(nf, missing)
	assert.Equal(t, http.StatusNotFound, nf.Code)
}

func TestInterruptHandler_HidesOtherUsersExecutions(t *testing.T) {
	store := hitl.NewMemoryInterruptStore()
	seedPending(t, store, "exec-mine")
	seedPending(t, store, "exec-theirs")
	owners := func(ctx context.Context, id string) (string, bool) {
		switch id {
		case "exec-mine":
			return "u-1", true
		case "exec-theirs":
			return "u-2", true
		}
		return "", false
	}
	c := &fakeCanceller{}
	h := NewInterruptHandler(hitl.NewInterruptManager(store, nil), c, owners, nil)
	asUser := func(r *http.Request) *http.Request {
		return r.WithContext(types.WithUserID(r.Context(), "u-1"))
	}

	get := func(id string) int {
		r := asUser(httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+id+"/interrupt", nil))
		r.SetPathValue("id", id)
		w := httptest.NewRecorder()
		h.HandleGetInterrupt(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, get("exec-mine"))
	assert.Equal(t, http.StatusNotFound, get("exec-theirs"))

	w := httptest.NewRecorder()
	h.HandleResume(w, asUser(resumeRequest(`{"executionId":"exec-theirs","approved":true}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
	rec, err := store.Latest(context.Background(), "exec-theirs")
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusPending, rec.Status)

	r := asUser(httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-theirs/cancel", nil))
	r.SetPathValue("id", "exec-theirs")
	w = httptest.NewRecorder()
	h.HandleCancel(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, c.id)

	w = httptest.NewRecorder()
	h.HandleResume(w, asUser(resumeRequest(`{"executionId":"exec-mine","approved":true}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	// 未认证请求不做归属检查
	r = httptest.NewRequest(http.MethodGet, "/api/v1/executions/exec-theirs/interrupt", nil)
	r.SetPathValue("id", "exec-theirs")
	w = httptest.NewRecorder()
	h.HandleGetInterrupt(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}
