package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion 当前 checkpoint 格式版本
const CurrentVersion = 1

// TypeCheckpoint 持久化行的 type 列取值
const TypeCheckpoint = "checkpoint"

var (
	// ErrInvalidConfig 缺少 thread_id
	ErrInvalidConfig = errors.New("checkpoint config requires thread_id")
	// ErrNilCheckpoint PutTuple 收到 nil checkpoint
	ErrNilCheckpoint = errors.New("checkpoint is nil")
)

// Config 定位一个 checkpoint：(thread_id, checkpoint_ns, checkpoint_id)。
// CheckpointID 为空表示该 thread/namespace 下最新的一个。
type Config struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Validate 检查必填字段
func (c Config) Validate() error {
	if c.ThreadID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// WithCheckpointID 返回指向指定 checkpoint 的副本
func (c Config) WithCheckpointID(id string) Config {
	c.CheckpointID = id
	return c
}

// Checkpoint 执行图状态快照，写入后不再修改
type Checkpoint struct {
	Version         int                       `json:"v"`
	ID              string                    `json:"id"`
	Timestamp       time.Time                 `json:"ts"`
	ChannelValues   map[string]any            `json:"channel_values"`
	ChannelVersions map[string]any            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]any `json:"versions_seen"`
	PendingSends    []any                     `json:"pending_sends"`
}

// Source checkpoint 的来源
type Source string

const (
	SourceInput  Source = "input"
	SourceLoop   Source = "loop"
	SourceUpdate Source = "update"
)

// Metadata checkpoint 元数据
type Metadata struct {
	Source  Source            `json:"source"`
	Step    int               `json:"step"`
	Writes  map[string]any    `json:"writes,omitempty"`
	Parents map[string]string `json:"parents,omitempty"`
}

// Tuple GetTuple / List 的返回单元
type Tuple struct {
	Config       Config      `json:"config"`
	Checkpoint   *Checkpoint `json:"checkpoint"`
	Metadata     Metadata    `json:"metadata"`
	ParentConfig *Config     `json:"parent_config,omitempty"`
	// UserID 审计用的归属用户，无法确定时为空
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter List 的过滤条件
type Filter struct {
	// Before 只返回 checkpoint_id 严格小于 Before.CheckpointID 的记录
	Before *Config
	// Limit 最多返回的条数，<= 0 表示不限制
	Limit int
}

func (f *Filter) before() string {
	if f == nil || f.Before == nil {
		return ""
	}
	return f.Before.CheckpointID
}

func (f *Filter) limit() int {
	if f == nil || f.Limit < 0 {
		return 0
	}
	return f.Limit
}

// New 创建一个空 checkpoint，ID 按时间有序
func New(values map[string]any) *Checkpoint {
	if values == nil {
		values = map[string]any{}
	}
	return &Checkpoint{
		Version:         CurrentVersion,
		ID:              NewID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   values,
		ChannelVersions: map[string]any{},
		VersionsSeen:    map[string]map[string]any{},
		PendingSends:    []any{},
	}
}

// NewID 生成 UUIDv7 字符串；字典序即时间序
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// encoded 存储层之间共享的序列化形式
type encoded struct {
	checkpoint string
	metadata   string
}

func encode(cp *Checkpoint, md Metadata) (encoded, error) {
	cpData, err := json.Marshal(cp)
	if err != nil {
		return encoded{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	mdData, err := json.Marshal(md)
	if err != nil {
		return encoded{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return encoded{checkpoint: string(cpData), metadata: string(mdData)}, nil
}

func decode(cfg Config, e encoded, parentID, userID string, createdAt time.Time) (*Tuple, error) {
	var cp Checkpoint
	if err := json.Unmarshal([]byte(e.checkpoint), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var md Metadata
	if e.metadata != "" {
		if err := json.Unmarshal([]byte(e.metadata), &md); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	t := &Tuple{
		Config:     cfg,
		Checkpoint: &cp,
		Metadata:   md,
		UserID:     userID,
		CreatedAt:  createdAt,
	}
	if parentID != "" {
		parent := cfg.WithCheckpointID(parentID)
		t.ParentConfig = &parent
	}
	return t, nil
}

// prepare 校验输入并补全 checkpoint 的 ID / 时间戳
func prepare(cfg Config, cp *Checkpoint) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cp == nil {
		return ErrNilCheckpoint
	}
	if cp.ID == "" {
		cp.ID = NewID()
	}
	if cp.Version == 0 {
		cp.Version = CurrentVersion
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	return nil
}
