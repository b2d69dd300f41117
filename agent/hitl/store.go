package hitl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InterruptStore 中断记录存储
type InterruptStore interface {
	// Save 保存新的 pending 记录
	Save(ctx context.Context, rec *InterruptRecord) error
	// Latest 返回执行最近的一条记录，不存在时返回 (nil, nil)
	Latest(ctx context.Context, executionID string) (*InterruptRecord, error)
	// Resolve 原子地将执行的 pending 记录置为 resolved。
	// 没有 pending 记录时返回 ErrAlreadyResolved 或 ErrInterruptNotFound。
	Resolve(ctx context.Context, executionID string, resp HumanResponse, at time.Time) (*InterruptRecord, error)
	// ListPending 返回所有 pending 记录，用于重启恢复
	ListPending(ctx context.Context) ([]*InterruptRecord, error)
	// SetCheckpoint 记录挂起时写入的 checkpoint id
	SetCheckpoint(ctx context.Context, id, checkpointID string) error
	// Delete 删除记录，用于挂起失败后撤销
	Delete(ctx context.Context, id string) error
}

// MemoryInterruptStore 进程内存储，重启后记录丢失
type MemoryInterruptStore struct {
	mu      sync.RWMutex
	records map[string]*InterruptRecord
	byExec  map[string][]string
}

var _ InterruptStore = (*MemoryInterruptStore)(nil)

// NewMemoryInterruptStore 创建内存存储
func NewMemoryInterruptStore() *MemoryInterruptStore {
	return &MemoryInterruptStore{
		records: make(map[string]*InterruptRecord),
		byExec:  make(map[string][]string),
	}
}

// Save implements InterruptStore.
func (s *MemoryInterruptStore) Save(ctx context.Context, rec *InterruptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		s.byExec[rec.ExecutionID] = append(s.byExec[rec.ExecutionID], rec.ID)
	}
	s.records[rec.ID] = rec.clone()
	return nil
}

// Latest implements InterruptStore.
func (s *MemoryInterruptStore) Latest(ctx context.Context, executionID string) (*InterruptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byExec[executionID]
	if len(ids) == 0 {
		return nil, nil
	}
	return s.records[ids[len(ids)-1]].clone(), nil
}

// Resolve implements InterruptStore.
func (s *MemoryInterruptStore) Resolve(ctx context.Context, executionID string, resp HumanResponse, at time.Time) (*InterruptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byExec[executionID]
	if len(ids) == 0 {
		return nil, ErrInterruptNotFound
	}
	for i := len(ids) - 1; i >= 0; i-- {
		rec := s.records[ids[i]]
		if rec.Status != StatusPending {
			continue
		}
		rec.Status = StatusResolved
		r := resp
		r.Args = cloneArgs(resp.Args)
		rec.Response = &r
		resolvedAt := at
		rec.ResolvedAt = &resolvedAt
		return rec.clone(), nil
	}
	return nil, ErrAlreadyResolved
}

// ListPending implements InterruptStore.
func (s *MemoryInterruptStore) ListPending(ctx context.Context) ([]*InterruptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*InterruptRecord
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetCheckpoint implements InterruptStore.
func (s *MemoryInterruptStore) SetCheckpoint(ctx context.Context, id, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrInterruptNotFound
	}
	rec.CheckpointID = checkpointID
	return nil
}

// Delete implements InterruptStore.
func (s *MemoryInterruptStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	delete(s.records, id)
	ids := s.byExec[rec.ExecutionID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byExec, rec.ExecutionID)
	} else {
		s.byExec[rec.ExecutionID] = ids
	}
	return nil
}
