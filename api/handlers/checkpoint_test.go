package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

func seedHistory(t *testing.T, store checkpoint.Store, threadID string, n int) {
	t.Helper()
	parent := ""
	for i := 1; i <= n; i++ {
		cp := checkpoint.New(map[string]any{"step": i})
		cp.ID = fmt.Sprintf("cp-%02d", i)
		cfg, err := store.PutTuple(context.Background(),
			checkpoint.Config{ThreadID: threadID, CheckpointID: parent},
			cp, checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: i})
		require.NoError(t, err)
		parent = cfg.CheckpointID
	}
}

type historyEnvelope struct {
	Success bool              `json:"success"`
	Data    CheckpointHistory `json:"data"`
}

func listHistory(t *testing.T, h *CheckpointHandler, threadID, query string) (*httptest.ResponseRecorder, historyEnvelope) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/threads/"+threadID+"/checkpoints"+query, nil)
	r.SetPathValue("thread_id", threadID)
	w := httptest.NewRecorder()
	h.HandleList(w, r)

	var env historyEnvelope
	if w.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	}
	return w, env
}

func ids(tuples []*checkpoint.Tuple) []string {
	out := make([]string, 0, len(tuples))
	for _, tup := range tuples {
		out = append(out, tup.Config.CheckpointID)
	}
	return out
}

func TestCheckpointHandler_ListNewestFirst(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seedHistory(t, store, "t-1", 3)
	h := NewCheckpointHandler(store, nil, nil)

	w, env := listHistory(t, h, "t-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "t-1", env.Data.ThreadID)
	assert.Equal(t, []string{"cp-03", "cp-02", "cp-01"}, ids(env.Data.Checkpoints))
	assert.Empty(t, env.Data.NextBefore)

	latest := env.Data.Checkpoints[0]
	require.NotNil(t, latest.ParentConfig)
	assert.Equal(t, "cp-02", latest.ParentConfig.CheckpointID)
	assert.Equal(t, 3, latest.Metadata.Step)
}

func TestCheckpointHandler_Pagination(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seedHistory(t, store, "t-1", 5)
	h := NewCheckpointHandler(store, nil, nil)

	_, page1 := listHistory(t, h, "t-1", "?limit=2")
	assert.Equal(t, []string{"cp-05", "cp-04"}, ids(page1.Data.Checkpoints))
	assert.Equal(t, "cp-04", page1.Data.NextBefore)

	_, page2 := listHistory(t, h, "t-1", "?limit=2&before="+page1.Data.NextBefore)
	assert.Equal(t, []string{"cp-03", "cp-02"}, ids(page2.Data.Checkpoints))
	assert.Equal(t, "cp-02", page2.Data.NextBefore)

	_, page3 := listHistory(t, h, "t-1", "?limit=2&before="+page2.Data.NextBefore)
	assert.Equal(t, []string{"cp-01"}, ids(page3.Data.Checkpoints))
	assert.Empty(t, page3.Data.NextBefore)
}

func TestCheckpointHandler_ListUnknownThreadIsEmpty(t *testing.T) {
	h := NewCheckpointHandler(checkpoint.NewMemoryStore(), nil, nil)

	w, env := listHistory(t, h, "t-none", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.Data.Checkpoints)
}

func TestCheckpointHandler_ListNamespace(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seedHistory(t, store, "t-1", 2)
	h := NewCheckpointHandler(store, nil, nil)

	_, env := listHistory(t, h, "t-1", "?ns=subgraph")
	assert.Equal(t, "subgraph", env.Data.Namespace)
	assert.Empty(t, env.Data.Checkpoints)
}

func TestCheckpointHandler_InvalidLimit(t *testing.T) {
	h := NewCheckpointHandler(checkpoint.NewMemoryStore(), nil, nil)
	for _, q := range []string{"?limit=abc", "?limit=0", "?limit=-3"} {
		w, _ := listHistory(t, h, "t-1", q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestCheckpointHandler_Get(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	seedHistory(t, store, "t-1", 3)
	h := NewCheckpointHandler(store, nil, nil)

	get := func(id string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/threads/t-1/checkpoints/"+id, nil)
		r.SetPathValue("thread_id", "t-1")
		r.SetPathValue("checkpoint_id", id)
		w := httptest.NewRecorder()
		h.HandleGet(w, r)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) checkpoint.Tuple {
		var env struct {
			Data checkpoint.Tuple `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
		return env.Data
	}

	w := get("latest")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cp-03", decode(w).Config.CheckpointID)

	w = get("cp-01")
	require.Equal(t, http.StatusOK, w.Code)
	tup := decode(w)
	assert.Equal(t, "cp-01", tup.Config.CheckpointID)
	assert.Nil(t, tup.ParentConfig)

	assert.Equal(t, http.StatusNotFound, get("cp-99").Code)
}

func TestCheckpointHandler_HidesOtherUsersThreads(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ctx := types.WithUserID(context.Background(), "u-2")
	_, err := store.PutTuple(ctx, checkpoint.Config{ThreadID: "t-theirs"},
		checkpoint.New(map[string]any{"step": 1}), checkpoint.Metadata{Source: checkpoint.SourceInput})
	require.NoError(t, err)
	seedHistory(t, store, "t-registered", 1)

	owners := checkpoint.OwnerLookupFunc(func(ctx context.Context, threadID string) (string, error) {
		if threadID == "t-registered" {
			return "u-2", nil
		}
		return "", nil
	})
	h := NewCheckpointHandler(store, owners, nil)

	as := func(user string, r *http.Request) *http.Request {
		if user == "" {
			return r
		}
		return r.WithContext(types.WithUserID(r.Context(), user))
	}
	list := func(user, threadID string) int {
		r := as(user, httptest.NewRequest(http.MethodGet, "/api/v1/threads/"+threadID+"/checkpoints", nil))
		r.SetPathValue("thread_id", threadID)
		w := httptest.NewRecorder()
		h.HandleList(w, r)
		return w.Code
	}
	get := func(user, threadID string) int {
		r := as(user, httptest.NewRequest(http.MethodGet, "/api/v1/threads/"+threadID+"/checkpoints/latest", nil))
		r.SetPathValue("thread_id", threadID)
		r.SetPathValue("checkpoint_id", "latest")
		w := httptest.NewRecorder()
		h.HandleGet(w, r)
		return w.Code
	}

	for _, thread := range []string{"t-theirs", "t-registered"} {
		assert.Equal(t, http.StatusNotFound, list("u-1", thread), thread)
		assert.Equal(t, http.StatusNotFound, get("u-1", thread), thread)
		assert.Equal(t, http.StatusOK, list("u-2", thread), thread)
		assert.Equal(t, http.StatusOK, get("u-2", thread), thread)
		assert.Equal(t, http.StatusOK, list("", thread), thread)
	}

	// 查询失败返回 500
	broken := NewCheckpointHandler(store, checkpoint.OwnerLookupFunc(func(context.Context, string) (string, error) {
		return "", errors.New("db down")
	}), nil)
	r := as("u-1", httptest.NewRequest(http.MethodGet, "/api/v1/threads/t-theirs/checkpoints", nil))
	r.SetPathValue("thread_id", "t-theirs")
	w := httptest.NewRecorder()
	broken.HandleList(w, r)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
