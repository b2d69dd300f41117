package checkpoint

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// checkpointRow checkpoints 表
type checkpointRow struct {
	ThreadID           string    `gorm:"column:thread_id;primaryKey;type:varchar(255)"`
	CheckpointNS       string    `gorm:"column:checkpoint_ns;primaryKey;type:varchar(255)"`
	CheckpointID       string    `gorm:"column:checkpoint_id;primaryKey;type:varchar(255)"`
	ParentCheckpointID *string   `gorm:"column:parent_checkpoint_id;type:varchar(255)"`
	Type               string    `gorm:"column:type;type:varchar(32)"`
	Checkpoint         string    `gorm:"column:checkpoint;type:text"`
	Metadata           string    `gorm:"column:metadata;type:text"`
	UserID             *string   `gorm:"column:user_id;type:varchar(255)"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

func (r *checkpointRow) tuple() (*Tuple, error) {
	cfg := Config{ThreadID: r.ThreadID, Namespace: r.CheckpointNS, CheckpointID: r.CheckpointID}
	var parent, user string
	if r.ParentCheckpointID != nil {
		parent = *r.ParentCheckpointID
	}
	if r.UserID != nil {
		user = *r.UserID
	}
	return decode(cfg, encoded{checkpoint: r.Checkpoint, metadata: r.Metadata}, parent, user, r.CreatedAt)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AutoMigrate 用 gorm 建表；生产环境使用 internal/migration 中的 SQL 迁移
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&checkpointRow{}, &AgentThread{})
}

// SQLStore 基于 gorm 的持久化实现（postgres / mysql / sqlite）
type SQLStore struct {
	db   *gorm.DB
	opts options
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore 创建 SQL 存储。未显式设置 OwnerLookup 时使用 agent_threads 表。
func NewSQLStore(db *gorm.DB, opts ...Option) *SQLStore {
	o := buildOptions("checkpoint_sql", opts)
	if o.owners == nil {
		o.owners = NewGormOwnerLookup(db)
	}
	return &SQLStore{db: db, opts: o}
}

// GetTuple implements Store.
func (s *SQLStore) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).
		Where("thread_id = ? AND checkpoint_ns = ?", cfg.ThreadID, cfg.Namespace)
	if cfg.CheckpointID != "" {
		q = q.Where("checkpoint_id = ?", cfg.CheckpointID)
	}

	var rows []checkpointRow
	if err := q.Order("checkpoint_id DESC").Limit(1).Find(&rows).Error; err != nil {
		s.opts.logger.Warn("checkpoint read failed, continuing without history",
			zap.String("thread_id", cfg.ThreadID),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(rows) == 0 {
		return nil, nil
	}

	t, err := rows[0].tuple()
	if err != nil {
		s.opts.logger.Warn("checkpoint decode failed", zap.String("checkpoint_id", rows[0].CheckpointID), zap.Error(err))
		return nil, nil
	}
	return t, nil
}

// PutTuple implements Store.
func (s *SQLStore) PutTuple(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata) (Config, error) {
	if err := prepare(cfg, cp); err != nil {
		return Config{}, err
	}
	data, err := encode(cp, md)
	if err != nil {
		return Config{}, writeError(err)
	}

	row := checkpointRow{
		ThreadID:           cfg.ThreadID,
		CheckpointNS:       cfg.Namespace,
		CheckpointID:       cp.ID,
		ParentCheckpointID: nullable(cfg.CheckpointID),
		Type:               TypeCheckpoint,
		Checkpoint:         data.checkpoint,
		Metadata:           data.metadata,
		UserID:             nullable(s.opts.resolveUser(ctx, cfg.ThreadID)),
		CreatedAt:          time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "thread_id"}, {Name: "checkpoint_ns"}, {Name: "checkpoint_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"parent_checkpoint_id", "type", "checkpoint", "metadata", "user_id",
		}),
	}).Create(&row).Error
	if err != nil {
		s.opts.logger.Error("checkpoint write failed",
			zap.String("thread_id", cfg.ThreadID),
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err),
		)
		return Config{}, writeError(fmt.Errorf("upsert checkpoint %s: %w", cp.ID, err))
	}

	return cfg.WithCheckpointID(cp.ID), nil
}

// List implements Store. 采用 keyset 分页，每页一次查询。
func (s *SQLStore) List(ctx context.Context, cfg Config, filter *Filter) iter.Seq[*Tuple] {
	return func(yield func(*Tuple) bool) {
		if cfg.Validate() != nil {
			return
		}
		cursor := filter.before()
		limit := filter.limit()
		yielded := 0

		for {
			n := pageSize(s.opts.page, limit, yielded)
			if n <= 0 {
				return
			}

			q := s.db.WithContext(ctx).
				Where("thread_id = ? AND checkpoint_ns = ?", cfg.ThreadID, cfg.Namespace)
			if cursor != "" {
				q = q.Where("checkpoint_id < ?", cursor)
			}
			var rows []checkpointRow
			if err := q.Order("checkpoint_id DESC").Limit(n).Find(&rows).Error; err != nil {
				s.opts.logger.Warn("checkpoint list failed", zap.String("thread_id", cfg.ThreadID), zap.Error(err))
				return
			}

			for i := range rows {
				t, err := rows[i].tuple()
				if err != nil {
					s.opts.logger.Warn("checkpoint decode failed", zap.String("checkpoint_id", rows[i].CheckpointID), zap.Error(err))
					return
				}
				yielded++
				if !yield(t) {
					return
				}
			}
			if len(rows) < n {
				return
			}
			cursor = rows[len(rows)-1].CheckpointID
		}
	}
}

// DeleteThread implements Store.
func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidConfig
	}
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&checkpointRow{}).Error
	if err != nil {
		return writeError(fmt.Errorf("delete thread %s: %w", threadID, err))
	}
	return nil
}
