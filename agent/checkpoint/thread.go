package checkpoint

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AgentThread agent_threads 表：thread -> 归属用户
type AgentThread struct {
	ThreadID  string    `gorm:"column:thread_id;primaryKey;type:varchar(255)" json:"thread_id"`
	UserID    string    `gorm:"column:user_id;type:varchar(255);index" json:"user_id"`
	AgentID   string    `gorm:"column:agent_id;type:varchar(255)" json:"agent_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (AgentThread) TableName() string { return "agent_threads" }

// RegisterThread 登记或更新 thread 的归属
func RegisterThread(ctx context.Context, db *gorm.DB, thread AgentThread) error {
	if thread.ThreadID == "" {
		return ErrInvalidConfig
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "agent_id"}),
	}).Create(&thread).Error
}

// GormOwnerLookup 通过 agent_threads 表查询归属
type GormOwnerLookup struct {
	db *gorm.DB
}

// NewGormOwnerLookup 创建查询器
func NewGormOwnerLookup(db *gorm.DB) *GormOwnerLookup {
	return &GormOwnerLookup{db: db}
}

// OwnerOf implements OwnerLookup. 未登记的 thread 返回空字符串。
func (l *GormOwnerLookup) OwnerOf(ctx context.Context, threadID string) (string, error) {
	if l == nil || l.db == nil {
		return "", errors.New("owner lookup has no database")
	}
	var threads []AgentThread
	err := l.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Limit(1).
		Find(&threads).Error
	if err != nil {
		return "", err
	}
	if len(threads) == 0 {
		return "", nil
	}
	return threads[0].UserID, nil
}
