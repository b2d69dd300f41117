package stream

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Mode 事件通道
type Mode string

const (
	ModeValues      Mode = "values"
	ModeUpdates     Mode = "updates"
	ModeMessages    Mode = "messages"
	ModeCustom      Mode = "custom"
	ModeCheckpoints Mode = "checkpoints"
	ModeTasks       Mode = "tasks"
	ModeDebug       Mode = "debug"
)

// AllModes 返回全部模式
func AllModes() []Mode {
	return []Mode{ModeValues, ModeUpdates, ModeMessages, ModeCustom, ModeCheckpoints, ModeTasks, ModeDebug}
}

// ParseMode 解析模式名称
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllModes() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown stream mode %q", s)
}

// Event 投递给监听者的事件
type Event struct {
	Mode      Mode           `json:"mode"`
	Event     string         `json:"event"`
	Data      any            `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Listener 事件监听者。返回的错误与 panic 都只会被记录。
type Listener func(Event) error

type entry struct {
	id uint64
	fn Listener
}

// Manager 多模式事件分发。
// 监听者在 Emit 的调用方 goroutine 中按注册顺序同步执行；
// 同一监听者收到的事件顺序与发出顺序一致。
type Manager struct {
	enabled map[Mode]bool
	logger  *zap.Logger
	nextID  atomic.Uint64

	mu        sync.RWMutex
	listeners map[Mode][]entry

	emitted atomic.Uint64
	failed  atomic.Uint64
}

// NewManager 创建分发器；modes 为空时启用 Default 预设
func NewManager(modes []Mode, logger *zap.Logger) *Manager {
	if len(modes) == 0 {
		modes = Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	enabled := make(map[Mode]bool, len(modes))
	for _, m := range modes {
		enabled[m] = true
	}
	return &Manager{
		enabled:   enabled,
		logger:    logger.With(zap.String("component", "stream_manager")),
		listeners: make(map[Mode][]entry),
	}
}

// NewManagerFromPreset 按预设名称创建
func NewManagerFromPreset(name string, logger *zap.Logger) (*Manager, error) {
	modes, err := Preset(name)
	if err != nil {
		return nil, err
	}
	return NewManager(modes, logger), nil
}

// Enabled 模式是否启用
func (m *Manager) Enabled(mode Mode) bool { return m.enabled[mode] }

// Modes 返回启用的模式（按 AllModes 顺序）
func (m *Manager) Modes() []Mode {
	var out []Mode
	for _, mode := range AllModes() {
		if m.enabled[mode] {
			out = append(out, mode)
		}
	}
	return out
}

// On 注册监听者，返回取消函数；取消函数可重复调用，也可在分发过程中调用
func (m *Manager) On(mode Mode, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	id := m.nextID.Add(1)

	m.mu.Lock()
	m.listeners[mode] = append(m.listeners[mode], entry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(mode, id) })
	}
}

func (m *Manager) remove(mode Mode, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.listeners[mode]
	next := make([]entry, 0, len(cur))
	for _, e := range cur {
		if e.id != id {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(m.listeners, mode)
		return
	}
	m.listeners[mode] = next
}

// ListenerCount 返回某模式的监听者数量
func (m *Manager) ListenerCount(mode Mode) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[mode])
}

// Emit 分发事件；未启用的模式直接忽略
func (m *Manager) Emit(mode Mode, event string, data any, metadata map[string]any) {
	if !m.enabled[mode] {
		return
	}

	// remove 总是替换切片，这里拿到的快照不会被修改
	m.mu.RLock()
	snapshot := m.listeners[mode]
	m.mu.RUnlock()
	if len(snapshot) == 0 {
		return
	}

	ev := Event{
		Mode:      mode,
		Event:     event,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	m.emitted.Add(1)
	for _, e := range snapshot {
		m.deliver(e, ev)
	}
}

func (m *Manager) deliver(e entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.failed.Add(1)
			m.logger.Error("stream listener panicked",
				zap.String("mode", string(ev.Mode)),
				zap.String("event", ev.Event),
				zap.Any("recover", r),
			)
		}
	}()
	if err := e.fn(ev); err != nil {
		m.failed.Add(1)
		m.logger.Warn("stream listener failed",
			zap.String("mode", string(ev.Mode)),
			zap.String("event", ev.Event),
			zap.Error(err),
		)
	}
}

// Stats 分发统计
type Stats struct {
	Emitted        uint64 `json:"emitted"`
	ListenerErrors uint64 `json:"listener_errors"`
}

// Stats 返回分发统计
func (m *Manager) Stats() Stats {
	return Stats{Emitted: m.emitted.Load(), ListenerErrors: m.failed.Load()}
}
