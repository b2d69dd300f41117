package checkpoint

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memoryRecord struct {
	data      encoded
	parentID  string
	userID    string
	createdAt time.Time
}

// MemoryStore 进程内实现，仅支持同一进程生命周期内的恢复。
// 记录以序列化形式保存，读取方拿到的是独立副本。
type MemoryStore struct {
	opts options

	mu      sync.RWMutex
	threads map[string]map[string]map[string]*memoryRecord // thread -> ns -> id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions("checkpoint_memory", opts),
		threads: make(map[string]map[string]map[string]*memoryRecord),
	}
}

// GetTuple implements Store.
func (s *MemoryStore) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ns := s.threads[cfg.ThreadID][cfg.Namespace]
	id := cfg.CheckpointID
	if id == "" {
		for k := range ns {
			if k > id {
				id = k
			}
		}
	}
	rec := ns[id]
	s.mu.RUnlock()

	if rec == nil {
		return nil, nil
	}
	t, err := decode(cfg.WithCheckpointID(id), rec.data, rec.parentID, rec.userID, rec.createdAt)
	if err != nil {
		s.opts.logger.Warn("checkpoint read failed", zap.String("thread_id", cfg.ThreadID), zap.Error(err))
		return nil, nil
	}
	return t, nil
}

// PutTuple implements Store.
func (s *MemoryStore) PutTuple(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata) (Config, error) {
	if err := prepare(cfg, cp); err != nil {
		return Config{}, err
	}
	data, err := encode(cp, md)
	if err != nil {
		return Config{}, writeError(err)
	}
	rec := &memoryRecord{
		data:      data,
		parentID:  cfg.CheckpointID,
		userID:    s.opts.resolveUser(ctx, cfg.ThreadID),
		createdAt: time.Now().UTC(),
	}

	s.mu.Lock()
	byNS, ok := s.threads[cfg.ThreadID]
	if !ok {
		byNS = make(map[string]map[string]*memoryRecord)
		s.threads[cfg.ThreadID] = byNS
	}
	ids, ok := byNS[cfg.Namespace]
	if !ok {
		ids = make(map[string]*memoryRecord)
		byNS[cfg.Namespace] = ids
	}
	ids[cp.ID] = rec
	s.mu.Unlock()

	return cfg.WithCheckpointID(cp.ID), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, cfg Config, filter *Filter) iter.Seq[*Tuple] {
	return func(yield func(*Tuple) bool) {
		if cfg.Validate() != nil {
			return
		}
		before := filter.before()
		limit := filter.limit()

		s.mu.RLock()
		ns := s.threads[cfg.ThreadID][cfg.Namespace]
		ids := make([]string, 0, len(ns))
		for id := range ns {
			if before == "" || id < before {
				ids = append(ids, id)
			}
		}
		s.mu.RUnlock()

		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		yielded := 0
		for _, id := range ids {
			if limit > 0 && yielded >= limit {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.mu.RLock()
			rec := s.threads[cfg.ThreadID][cfg.Namespace][id]
			s.mu.RUnlock()
			if rec == nil {
				continue
			}
			t, err := decode(cfg.WithCheckpointID(id), rec.data, rec.parentID, rec.userID, rec.createdAt)
			if err != nil {
				s.opts.logger.Warn("checkpoint read failed", zap.String("checkpoint_id", id), zap.Error(err))
				return
			}
			yielded++
			if !yield(t) {
				return
			}
		}
	}
}

// DeleteThread implements Store.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidConfig
	}
	s.mu.Lock()
	delete(s.threads, threadID)
	s.mu.Unlock()
	return nil
}
