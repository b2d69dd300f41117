package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/retry"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/stream"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/supervisor"
	"github.com/LuisNSantana/cleo-agent-sub013/config"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// memoryConfig 不依赖外部服务的配置
func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Checkpoint.Backend = "memory"
	cfg.Approval.Store = "memory"
	cfg.Approval.PollInterval = 0
	cfg.Audit.Enabled = false
	cfg.Telemetry.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.close(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func authed(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	return req
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_PublicAndProtectedRoutes(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = testSecret
	_, ts := newTestServer(t, cfg)

	for _, path := range []string{"/health", "/healthz", "/ready", "/version"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
	}

	resp, err := http.Get(ts.URL + "/api/v1/executions/exec-1/interrupt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// 认证通过后由 handler 处理：不存在的中断
	resp = do(t, authed(t, http.MethodGet, ts.URL+"/api/v1/executions/exec-1/interrupt", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, authed(t, http.MethodGet, ts.URL+"/api/v1/threads/t-1/checkpoints", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_NoSecretLeavesAPIOpen(t *testing.T) {
	_, ts := newTestServer(t, memoryConfig())

	resp, err := http.Get(ts.URL + "/api/v1/threads/t-1/checkpoints")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MetricsOnAPIPort(t *testing.T) {
	_, ts := newTestServer(t, memoryConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cleo_http_requests_total{method="GET",path="/health",status="2xx"}`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_MetricsRouteAbsentWithDedicatedPort(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.MetricsPort = 9099
	_, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ResumeFlow(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = testSecret
	srv, ts := newTestServer(t, cfg)

	ctx := context.Background()
	exec, err := srv.supervisor.Start(ctx, supervisor.StartRequest{ThreadID: "t-1", UserID: "u-1"})
	require.NoError(t, err)

	decision := make(chan *hitl.HumanResponse, 1)
	go func() {
		resp, err := srv.supervisor.Interrupts().Request(ctx, hitl.ApprovalRequest{
			ExecutionID: exec.ID,
			ThreadID:    "t-1",
			ToolName:    "send_email",
			Args:        map[string]any{"to": "a@example.com"},
			Risk:        hitl.RiskHigh,
		})
		if err == nil {
			decision <- resp
		}
	}()
	require.Eventually(t, func() bool { return exec.State() == execution.StateAwaitingConfirmation },
		2*time.Second, 5*time.Millisecond)

	resp := do(t, authed(t, http.MethodPost, ts.URL+"/api/v1/executions/resume", map[string]any{
		"executionId": exec.ID,
		"approved":    true,
		"editedArgs":  map[string]any{"to": "b@example.com"},
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success     bool   `json:"success"`
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, exec.ID, body.ExecutionID)
	assert.Equal(t, "resumed", body.Status)

	select {
	case got := <-decision:
		assert.Equal(t, hitl.ResponseEdit, got.Type)
		assert.Equal(t, "b@example.com", got.Args["to"])
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not resumed")
	}
	assert.Eventually(t, func() bool { return exec.State() == execution.StateRunning },
		2*time.Second, 5*time.Millisecond)

	// 同一中断不能重复处理
	again := do(t, authed(t, http.MethodPost, ts.URL+"/api/v1/executions/resume", map[string]any{
		"executionId": exec.ID,
		"approved":    true,
	}))
	assert.Equal(t, http.StatusNotFound, again.StatusCode)

	history := do(t, authed(t, http.MethodGet, ts.URL+"/api/v1/threads/t-1/checkpoints", nil))
	require.Equal(t, http.StatusOK, history.StatusCode)
	var list struct {
		Data struct {
			Checkpoints []json.RawMessage `json:"checkpoints"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(history.Body).Decode(&list))
	assert.NotEmpty(t, list.Data.Checkpoints)
}

func TestToolPolicies(t *testing.T) {
	policies := toolPolicies(config.ApprovalConfig{Tools: map[string]config.ToolApprovalConfig{
		"transfer_funds": {Risk: "HIGH", RequiresApproval: true, Question: "Transfer?"},
		"web_search":     {RequiresApproval: true},
	}})

	assert.Equal(t, hitl.ToolPolicy{Risk: hitl.RiskHigh, RequiresApproval: true, Question: "Transfer?"},
		policies.Lookup("transfer_funds"))
	assert.Equal(t, hitl.RiskLow, policies.Lookup("web_search").Risk)
	assert.True(t, policies.Lookup("web_search").RequiresApproval)
	// 内置分级保留
	assert.True(t, policies.Lookup("send_email").RequiresApproval)
}

func TestServer_GatedToolRejectedOverHTTP(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = testSecret
	cfg.Approval.Tools = map[string]config.ToolApprovalConfig{
		"transfer_funds": {Risk: "high", RequiresApproval: true},
	}
	srv, ts := newTestServer(t, cfg)

	exec, err := srv.supervisor.Start(context.Background(), supervisor.StartRequest{ThreadID: "t-gate"})
	require.NoError(t, err)

	called := make(chan struct{}, 1)
	tools := srv.Gate().WrapAll([]types.Tool{types.ToolFunc{
		ToolName: "transfer_funds",
		Fn: func(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
			called <- struct{}{}
			return &types.ToolResult{Name: "transfer_funds", Success: true}, nil
		},
	}})

	results := make(chan *types.ToolResult, 1)
	go func() {
		ctx := types.WithThreadID(types.WithExecutionID(context.Background(), exec.ID), "t-gate")
		res, err := tools[0].Invoke(ctx, map[string]any{"amount": 100})
		if err == nil {
			results <- res
		}
	}()
	require.Eventually(t, func() bool { return exec.State() == execution.StateAwaitingConfirmation },
		2*time.Second, 5*time.Millisecond)

	resp := do(t, authed(t, http.MethodPost, ts.URL+"/api/v1/executions/resume", map[string]any{
		"executionId": exec.ID,
		"approved":    false,
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rejected", body.Status)

	select {
	case res := <-results:
		assert.False(t, res.Success)
		assert.True(t, res.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("gated tool did not return")
	}
	assert.Empty(t, called)
}

func TestServer_ConfirmationOverHTTP(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = testSecret
	srv, ts := newTestServer(t, cfg)

	exec, err := srv.supervisor.Start(context.Background(), supervisor.StartRequest{ThreadID: "t-conf", UserID: "u-1"})
	require.NoError(t, err)

	results := make(chan any, 1)
	go func() {
		res, err := srv.supervisor.Confirm(context.Background(), exec.ID, "delete_file", map[string]any{"path": "/tmp/x"},
			func(ctx context.Context, args map[string]any) (any, error) { return args["path"], nil })
		if err == nil {
			results <- res
		}
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := srv.supervisor.Confirmations().Pending(exec.ID)
		if len(pending) != 1 {
			return false
		}
		id = pending[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	url := ts.URL + "/api/v1/confirmations/" + id + "/resolve"
	resp := do(t, authed(t, http.MethodPost, url, map[string]any{"approved": true}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	again := do(t, authed(t, http.MethodPost, url, map[string]any{"approved": true}))
	assert.Equal(t, http.StatusNotFound, again.StatusCode)

	select {
	case res := <-results:
		assert.Equal(t, "/tmp/x", res)
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation did not complete")
	}
}

func TestServer_OtherUsersExecutionHidden(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = testSecret
	srv, ts := newTestServer(t, cfg)

	exec, err := srv.supervisor.Start(context.Background(), supervisor.StartRequest{ThreadID: "t-other", UserID: "u-2"})
	require.NoError(t, err)

	resp := do(t, authed(t, http.MethodPost, ts.URL+"/api/v1/executions/"+exec.ID+"/cancel", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, execution.StateRunning, exec.State())

	resp = do(t, authed(t, http.MethodGet, ts.URL+"/api/v1/threads/t-other/checkpoints", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ResumeOrphan(t *testing.T) {
	srv, _ := newTestServer(t, memoryConfig())
	ctx := context.Background()

	start := func(thread string) *supervisor.Execution {
		exec, err := srv.supervisor.Start(ctx, supervisor.StartRequest{ThreadID: thread})
		require.NoError(t, err)
		return exec
	}

	approved := start("t-approved")
	srv.resumeOrphan(ctx, approved, &hitl.InterruptRecord{
		ID: "i-1", ExecutionID: approved.ID, ToolName: "send_email", Response: &hitl.HumanResponse{Type: hitl.ResponseAccept},
	})
	assert.Equal(t, execution.StatePaused, approved.State())

	rejected := start("t-rejected")
	reject := hitl.Reject("not now")
	srv.resumeOrphan(ctx, rejected, &hitl.InterruptRecord{
		ID: "i-2", ExecutionID: rejected.ID, ToolName: "send_email", Response: &reject,
	})
	assert.Equal(t, execution.StateFailed, rejected.State())
}

func TestNewServer_InvalidBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Checkpoint.Backend = "etcd"
	_, err := NewServer(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "etcd")
}

func TestRetryPolicy(t *testing.T) {
	standard, err := retry.Preset("standard")
	require.NoError(t, err)

	got, err := retryPolicy(config.RetryConfig{})
	require.NoError(t, err)
	assert.Equal(t, standard.MaxAttempts, got.MaxAttempts)

	got, err = retryPolicy(config.RetryConfig{Preset: "fast", MaxAttempts: 7, MaxDelay: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxAttempts)
	assert.Equal(t, 3*time.Second, got.MaxDelay)

	_, err = retryPolicy(config.RetryConfig{Preset: "reckless"})
	assert.Error(t, err)
}

func TestStreamManagerFromConfig(t *testing.T) {
	m, err := streamManager(config.StreamConfig{Preset: "debug"}, nil)
	require.NoError(t, err)
	assert.True(t, m.Enabled(stream.ModeDebug))

	m, err = streamManager(config.StreamConfig{Preset: "debug", Modes: []string{"updates", "custom"}}, nil)
	require.NoError(t, err)
	assert.True(t, m.Enabled(stream.ModeUpdates))
	assert.True(t, m.Enabled(stream.ModeCustom))
	assert.False(t, m.Enabled(stream.ModeDebug))

	_, err = streamManager(config.StreamConfig{Modes: []string{"bogus"}}, nil)
	assert.Error(t, err)
}

func TestOpenAuditFile(t *testing.T) {
	cfg := memoryConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.Output = filepath.Join(t.TempDir(), "audit.log")
	srv, _ := newTestServer(t, cfg)

	_, err := srv.supervisor.Start(context.Background(), supervisor.StartRequest{ThreadID: "t-audit"})
	require.NoError(t, err)
	require.NoError(t, srv.auditSink.Sync())

	raw, err := os.ReadFile(cfg.Audit.Output)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "t-audit")
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://app.example.com", "http://localhost:3000", "", "*.example.org"})
	assert.Equal(t, []string{"app.example.com", "localhost:3000", "*.example.org"}, got)
}

func TestMigrateArg(t *testing.T) {
	n, rest, err := migrateArg("goto", []string{"3", "--config", "c.yaml"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"--config", "c.yaml"}, rest)

	n, _, err = migrateArg("steps", []string{"-2"})
	require.NoError(t, err)
	assert.Equal(t, -2, n)

	_, rest, err = migrateArg("up", []string{"--verbose"})
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose"}, rest)

	_, _, err = migrateArg("force", nil)
	assert.Error(t, err)
	_, _, err = migrateArg("goto", []string{"latest"})
	assert.True(t, strings.Contains(err.Error(), "invalid number"))
}

func TestServer_StreamThroughMiddleware(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWT.Secret = testSecret
	srv, ts := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec, err := srv.supervisor.Start(ctx, supervisor.StartRequest{ThreadID: "t-ws"})
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": "u-1", "exp": time.Now().Add(time.Hour).Unix()})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/executions/" + exec.ID +
		"/stream?modes=updates&access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return srv.supervisor.Stream().ListenerCount(stream.ModeUpdates) == 1 },
		2*time.Second, 5*time.Millisecond)

	resp := do(t, authed(t, http.MethodPost, ts.URL+"/api/v1/executions/"+exec.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ev stream.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "state_changed", ev.Event)
	assert.Equal(t, exec.ID, ev.Metadata["execution_id"])
	assert.Equal(t, "cancelled", ev.Data.(map[string]any)["to"])

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
