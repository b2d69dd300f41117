package audit

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// Level 审计级别
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// 常用事件名
const (
	EventExecutionStarted   = "execution_started"
	EventStateChanged       = "state_changed"
	EventDelegationStarted  = "delegation_started"
	EventDelegationFinished = "delegation_finished"
	EventDelegationFailed   = "delegation_failed"
	EventCircuitRejected    = "circuit_rejected"
	EventCheckpointSaved    = "checkpoint_saved"
	EventInterruptCreated   = "interrupt_created"
	EventInterruptResolved  = "interrupt_resolved"
	EventConfirmationOpened = "confirmation_requested"
	EventConfirmationDone   = "confirmation_resolved"
	EventExecutionFinished  = "execution_finished"
)

// Entry 一条审计记录
type Entry struct {
	Timestamp   time.Time      `json:"ts"`
	Level       Level          `json:"level"`
	Event       string         `json:"event"`
	TraceID     string         `json:"trace_id"`
	ExecutionID string         `json:"execution_id"`
	AgentID     string         `json:"agent_id"`
	UserID      string         `json:"user_id,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	State       string         `json:"state,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// FillFromContext 用 context 中的追踪信息补全空字段
func (e *Entry) FillFromContext(ctx context.Context) {
	if e.TraceID == "" {
		e.TraceID, _ = types.TraceID(ctx)
	}
	if e.ExecutionID == "" {
		e.ExecutionID, _ = types.ExecutionID(ctx)
	}
	if e.AgentID == "" {
		e.AgentID, _ = types.AgentID(ctx)
	}
	if e.UserID == "" {
		e.UserID, _ = types.UserID(ctx)
	}
	if e.ThreadID == "" {
		e.ThreadID, _ = types.ThreadID(ctx)
	}
}

// Sink 审计记录的落地点。写入失败不应影响执行本身。
type Sink interface {
	Record(ctx context.Context, entry *Entry) error
}

// NopSink 丢弃所有记录
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, *Entry) error { return nil }

// =============================================================================
// ZapSink: JSON lines
// =============================================================================

// ZapSink 以 JSON lines 输出审计记录
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink 写入 w，每条记录一行 JSON
func NewZapSink(w io.Writer) *ZapSink {
	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
	return &ZapSink{logger: zap.New(core)}
}

// Record implements Sink.
func (s *ZapSink) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	entry.FillFromContext(ctx)

	fields := []zap.Field{
		zap.String("trace_id", entry.TraceID),
		zap.String("execution_id", entry.ExecutionID),
		zap.String("agent_id", entry.AgentID),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.ThreadID != "" {
		fields = append(fields, zap.String("thread_id", entry.ThreadID))
	}
	if entry.State != "" {
		fields = append(fields, zap.String("state", entry.State))
	}
	if len(entry.Data) > 0 {
		fields = append(fields, zap.Any("data", entry.Data))
	}

	ce := s.logger.Check(zapLevel(entry.Level), entry.Event)
	if ce == nil {
		return nil
	}
	if !entry.Timestamp.IsZero() {
		ce.Time = entry.Timestamp
	}
	ce.Write(fields...)
	return nil
}

// Sync 刷新底层输出
func (s *ZapSink) Sync() error {
	return s.logger.Sync()
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// =============================================================================
// MemorySink: 测试与开发
// =============================================================================

// MemorySink 内存审计记录，超过 maxSize 时丢弃最旧的
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

// NewMemorySink 创建内存 sink
func NewMemorySink(maxSize int) *MemorySink {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemorySink{maxSize: maxSize}
}

// Record implements Sink.
func (s *MemorySink) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	entry.FillFromContext(ctx)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.maxSize {
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, *entry)
	return nil
}

// Entries 返回记录副本；executionID 为空时返回全部
func (s *MemorySink) Entries(executionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if executionID == "" || e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}

// Events 返回某执行的事件名序列
func (s *MemorySink) Events(executionID string) []string {
	entries := s.Entries(executionID)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}
