package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

func resolveConfirmation(h *ConfirmationHandler, id, body string, user string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/"+id+"/resolve", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.SetPathValue("id", id)
	if user != "" {
		r = r.WithContext(types.WithUserID(r.Context(), user))
	}
	w := httptest.NewRecorder()
	h.HandleResolve(w, r)
	return w
}

func TestConfirmationHandler_DoubleSubmitRunsOnce(t *testing.T) {
	gate := hitl.NewConfirmationGate(nil)
	var runs atomic.Int32
	c := gate.Begin("exec-1", "delete_file", map[string]any{"path": "/tmp/a"},
		func(ctx context.Context, args map[string]any) (any, error) {
			runs.Add(1)
			return args["path"], nil
		})
	h := NewConfirmationHandler(gate, nil, nil)

	w := resolveConfirmation(h, c.ID, `{"approved":true,"editedArgs":{"path":"/tmp/b"}}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Success bool                    `json:"success"`
		Data    hitl.ConfirmationResult `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	assert.True(t, env.Data.Success)
	assert.True(t, env.Data.Executed)
	assert.Equal(t, "/tmp/b", env.Data.Result)

	again := resolveConfirmation(h, c.ID, `{"approved":true}`, "")
	assert.Equal(t, http.StatusNotFound, again.Code)
	assert.Equal(t, int32(1), runs.Load())

	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b", res)
}

func TestConfirmationHandler_Reject(t *testing.T) {
	gate := hitl.NewConfirmationGate(nil)
	c := gate.Begin("exec-1", "delete_file", nil, func(ctx context.Context, args map[string]any) (any, error) {
		t.Error("rejected action must not run")
		return nil, nil
	})
	h := NewConfirmationHandler(gate, nil, nil)

	w := resolveConfirmation(h, c.ID, `{"approved":false}`, "")
	require.Equal(t, http.StatusOK, w.Code)

	_, err := c.Wait(context.Background())
	var rejected *hitl.RejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestConfirmationHandler_Validation(t *testing.T) {
	h := NewConfirmationHandler(hitl.NewConfirmationGate(nil), nil, nil)

	assert.Equal(t, http.StatusNotFound, resolveConfirmation(h, "conf_missing", `{"approved":true}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, resolveConfirmation(h, "conf_x", `{`, "").Code)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/confirmations/conf_x/resolve", strings.NewReader(`{}`))
	r.SetPathValue("id", "conf_x")
	w := httptest.NewRecorder()
	h.HandleResolve(w, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestConfirmationHandler_HidesOtherUsersConfirmations(t *testing.T) {
	gate := hitl.NewConfirmationGate(nil)
	var runs atomic.Int32
	c := gate.Begin("exec-2", "delete_file", nil, func(ctx context.Context, args map[string]any) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	owners := func(ctx context.Context, id string) (string, bool) { return "u-2", id == "exec-2" }
	h := NewConfirmationHandler(gate, owners, nil)

	assert.Equal(t, http.StatusNotFound, resolveConfirmation(h, c.ID, `{"approved":true}`, "u-1").Code)
	_, pending := gate.Lookup(c.ID)
	assert.True(t, pending)

	assert.Equal(t, http.StatusOK, resolveConfirmation(h, c.ID, `{"approved":true}`, "u-2").Code)
	assert.Equal(t, int32(1), runs.Load())
}
