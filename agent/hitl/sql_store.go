package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// interruptRow approval_interrupts 表
type interruptRow struct {
	ID           string     `gorm:"column:id;primaryKey;type:varchar(64)"`
	ExecutionID  string     `gorm:"column:execution_id;type:varchar(255);index"`
	ThreadID     string     `gorm:"column:thread_id;type:varchar(255)"`
	ToolName     string     `gorm:"column:tool_name;type:varchar(255)"`
	Args         string     `gorm:"column:args;type:text"`
	Question     string     `gorm:"column:question;type:text"`
	Risk         string     `gorm:"column:risk_level;type:varchar(16)"`
	Status       string     `gorm:"column:status;type:varchar(16);index"`
	Response     *string    `gorm:"column:response;type:text"`
	CheckpointID string     `gorm:"column:checkpoint_id;type:varchar(255)"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	ResolvedAt   *time.Time `gorm:"column:resolved_at"`
}

func (interruptRow) TableName() string { return "approval_interrupts" }

func toRow(rec *InterruptRecord) (*interruptRow, error) {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	row := &interruptRow{
		ID:           rec.ID,
		ExecutionID:  rec.ExecutionID,
		ThreadID:     rec.ThreadID,
		ToolName:     rec.ToolName,
		Args:         string(args),
		Question:     rec.Question,
		Risk:         string(rec.Risk),
		Status:       string(rec.Status),
		CheckpointID: rec.CheckpointID,
		CreatedAt:    rec.CreatedAt,
		ResolvedAt:   rec.ResolvedAt,
	}
	if rec.Response != nil {
		data, err := json.Marshal(rec.Response)
		if err != nil {
			return nil, fmt.Errorf("marshal response: %w", err)
		}
		s := string(data)
		row.Response = &s
	}
	return row, nil
}

func (r *interruptRow) record() (*InterruptRecord, error) {
	rec := &InterruptRecord{
		ID:           r.ID,
		ExecutionID:  r.ExecutionID,
		ThreadID:     r.ThreadID,
		ToolName:     r.ToolName,
		Question:     r.Question,
		Risk:         Risk(r.Risk),
		Status:       Status(r.Status),
		CheckpointID: r.CheckpointID,
		CreatedAt:    r.CreatedAt,
		ResolvedAt:   r.ResolvedAt,
	}
	if r.Args != "" {
		if err := json.Unmarshal([]byte(r.Args), &rec.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if r.Response != nil {
		var resp HumanResponse
		if err := json.Unmarshal([]byte(*r.Response), &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		rec.Response = &resp
	}
	return rec, nil
}

// SQLInterruptStore 基于 gorm 的中断存储，支持跨进程重启恢复。
// Resolve 使用带状态条件的 UPDATE，多实例并发 resolve 只有一个成功。
type SQLInterruptStore struct {
	db *gorm.DB
}

var _ InterruptStore = (*SQLInterruptStore)(nil)

// NewSQLInterruptStore 创建 SQL 存储
func NewSQLInterruptStore(db *gorm.DB) *SQLInterruptStore {
	return &SQLInterruptStore{db: db}
}

// AutoMigrate 用 gorm 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&interruptRow{})
}

// Save implements InterruptStore.
func (s *SQLInterruptStore) Save(ctx context.Context, rec *InterruptRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// Latest implements InterruptStore.
func (s *SQLInterruptStore) Latest(ctx context.Context, executionID string) (*InterruptRecord, error) {
	var rows []interruptRow
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].record()
}

// Resolve implements InterruptStore.
func (s *SQLInterruptStore) Resolve(ctx context.Context, executionID string, resp HumanResponse, at time.Time) (*InterruptRecord, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	var resolved *InterruptRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []interruptRow
		if err := tx.Where("execution_id = ? AND status = ?", executionID, StatusPending).
			Order("created_at DESC").
			Limit(1).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			var count int64
			if err := tx.Model(&interruptRow{}).Where("execution_id = ?", executionID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrInterruptNotFound
			}
			return ErrAlreadyResolved
		}

		row := rows[0]
		respStr := string(data)
		res := tx.Model(&interruptRow{}).
			Where("id = ? AND status = ?", row.ID, StatusPending).
			Updates(map[string]any{
				"status":      string(StatusResolved),
				"response":    respStr,
				"resolved_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyResolved
		}

		row.Status = string(StatusResolved)
		row.Response = &respStr
		row.ResolvedAt = &at
		rec, err := row.record()
		if err != nil {
			return err
		}
		resolved = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInterruptNotFound) || errors.Is(err, ErrAlreadyResolved) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve interrupt: %w", err)
	}
	return resolved, nil
}

// ListPending implements InterruptStore.
func (s *SQLInterruptStore) ListPending(ctx context.Context) ([]*InterruptRecord, error) {
	var rows []interruptRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*InterruptRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetCheckpoint implements InterruptStore.
func (s *SQLInterruptStore) SetCheckpoint(ctx context.Context, id, checkpointID string) error {
	res := s.db.WithContext(ctx).Model(&interruptRow{}).
		Where("id = ?", id).
		Update("checkpoint_id", checkpointID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInterruptNotFound
	}
	return nil
}

// Delete implements InterruptStore.
func (s *SQLInterruptStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&interruptRow{}).Error
}
