package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/execution"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/stream"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// =============================================================================
// 📡 WebSocket 事件流 Handler
// =============================================================================

// StreamSource 事件来源，由 stream.Manager 实现
type StreamSource interface {
	On(mode stream.Mode, fn stream.Listener) func()
	Enabled(mode stream.Mode) bool
	Modes() []stream.Mode
}

// StreamRecorder 记录转发的事件数
type StreamRecorder interface {
	RecordStreamEvent(mode string)
}

// StreamOptions 连接参数
type StreamOptions struct {
	// BufferSize 每个连接的事件缓冲，满了之后丢弃新事件
	BufferSize int
	// WriteTimeout 单条消息写超时
	WriteTimeout time.Duration
	// PingInterval 心跳间隔，<= 0 关闭心跳
	PingInterval time.Duration
	// OriginPatterns 允许的跨域来源，空表示只允许同源
	OriginPatterns []string
}

// DefaultStreamOptions 默认参数
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		BufferSize:   64,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// StreamHandler 将某个执行的事件转发到 WebSocket
type StreamHandler struct {
	source   StreamSource
	owners   ExecutionOwner
	recorder StreamRecorder
	opts     StreamOptions
	logger   *zap.Logger
}

// NewStreamHandler 创建处理器；owners 与 recorder 可为空
func NewStreamHandler(source StreamSource, owners ExecutionOwner, recorder StreamRecorder, opts StreamOptions, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultStreamOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &StreamHandler{
		source:   source,
		owners:   owners,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With(zap.String("component", "stream_handler")),
	}
}

// HandleStream 处理 GET /api/v1/executions/{id}/stream?modes=updates,tasks。
// 只转发 metadata.execution_id 匹配的事件；执行进入终态后服务端正常关闭连接。
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "execution id is required", h.logger)
		return
	}
	modes, err := h.parseModes(r.URL.Query().Get("modes"))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}
	if h.owners != nil {
		// 其他用户的执行同样按不存在处理
		if owner, found := h.owners(r.Context(), executionID); !found || !ownedBy(r, owner) {
			WriteErrorMessage(w, r, http.StatusNotFound, types.ErrExecutionNotFound,
				fmt.Sprintf("execution %s not found", executionID), h.logger)
			return
		}
	}

	// 长连接不受 server WriteTimeout 限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events := make(chan stream.Event, h.opts.BufferSize)
	done := make(chan struct{})
	var dropped atomic.Uint64

	forward := make(map[stream.Mode]bool, len(modes))
	for _, m := range modes {
		forward[m] = true
	}
	listen := modes
	if !forward[stream.ModeUpdates] && h.source.Enabled(stream.ModeUpdates) {
		listen = append(listen, stream.ModeUpdates)
	}

	var finished atomic.Bool
	unsubs := make([]func(), 0, len(listen))
	for _, mode := range listen {
		unsubs = append(unsubs, h.source.On(mode, func(ev stream.Event) error {
			if id, _ := ev.Metadata["execution_id"].(string); id != executionID {
				return nil
			}
			if isTerminalUpdate(ev) && finished.CompareAndSwap(false, true) {
				defer close(done)
			}
			if !forward[ev.Mode] {
				return nil
			}
			// Emit 的调用方不能被慢连接阻塞
			select {
			case events <- ev:
			default:
				dropped.Add(1)
			}
			return nil
		}))
	}
	unsubscribe := func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
	defer unsubscribe()

	h.logger.Info("stream connected",
		zap.String("execution_id", executionID),
		zap.Strings("modes", modeNames(modes)),
	)

	ctx := conn.CloseRead(r.Context())
	reason := h.pump(ctx, conn, events, done)
	unsubscribe()

	if n := dropped.Load(); n > 0 {
		h.logger.Warn("stream events dropped", zap.String("execution_id", executionID), zap.Uint64("dropped", n))
	}
	h.logger.Info("stream closed", zap.String("execution_id", executionID), zap.String("reason", reason))
	_ = conn.Close(websocket.StatusNormalClosure, reason)
}

// pump 写出事件直到连接关闭或执行结束，返回关闭原因
func (h *StreamHandler) pump(ctx context.Context, conn *websocket.Conn, events <-chan stream.Event, done <-chan struct{}) string {
	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return "client gone"

		case ev := <-events:
			if err := h.write(ctx, conn, ev); err != nil {
				return "write failed"
			}

		case <-done:
			// 先把缓冲中的事件发完
			for {
				select {
				case ev := <-events:
					if err := h.write(ctx, conn, ev); err != nil {
						return "write failed"
					}
				default:
					return "execution finished"
				}
			}

		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return "ping failed"
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, ev stream.Event) error {
	wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, ev); err != nil {
		h.logger.Debug("stream write failed", zap.String("event", ev.Event), zap.Error(err))
		return err
	}
	if h.recorder != nil {
		h.recorder.RecordStreamEvent(string(ev.Mode))
	}
	return nil
}

// parseModes 解析逗号分隔的模式；为空时使用全部已启用模式
func (h *StreamHandler) parseModes(raw string) ([]stream.Mode, error) {
	if strings.TrimSpace(raw) == "" {
		modes := h.source.Modes()
		if len(modes) == 0 {
			return nil, fmt.Errorf("no stream modes enabled")
		}
		return modes, nil
	}

	var out []stream.Mode
	seen := make(map[stream.Mode]bool)
	for _, part := range strings.Split(raw, ",") {
		m, err := stream.ParseMode(part)
		if err != nil {
			return nil, err
		}
		if !h.source.Enabled(m) {
			return nil, fmt.Errorf("stream mode %q is not enabled", m)
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// isTerminalUpdate 执行进入终态的 state_changed 事件
func isTerminalUpdate(ev stream.Event) bool {
	if ev.Mode != stream.ModeUpdates || ev.Event != "state_changed" {
		return false
	}
	data, ok := ev.Data.(map[string]any)
	if !ok {
		return false
	}
	to, _ := data["to"].(string)
	return execution.IsTerminal(execution.State(to))
}

func modeNames(modes []stream.Mode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}
