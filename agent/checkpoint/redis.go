package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis 的持久化实现。
// 每个 (thread, ns) 使用一个 score 全为 0 的有序集合按字典序索引 checkpoint_id，
// 每个 checkpoint 的内容存为一个 JSON 字符串。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

var _ Store = (*RedisStore)(nil)

type redisRecord struct {
	Checkpoint         json.RawMessage `json:"checkpoint"`
	Metadata           json.RawMessage `json:"metadata"`
	ParentCheckpointID string          `json:"parent_checkpoint_id,omitempty"`
	Type               string          `json:"type"`
	UserID             string          `json:"user_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// NewRedisStore 创建 Redis 存储；prefix 为空时使用 "cleo:"
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = "cleo:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix + "checkpoint:",
		opts:   buildOptions("checkpoint_redis", opts),
	}
}

func (s *RedisStore) indexKey(threadID, ns string) string {
	return s.prefix + threadID + ":" + ns + ":idx"
}

func (s *RedisStore) dataKey(threadID, ns, id string) string {
	return s.prefix + threadID + ":" + ns + ":data:" + id
}

func (s *RedisStore) namespacesKey(threadID string) string {
	return s.prefix + threadID + ":namespaces"
}

// GetTuple implements Store.
func (s *RedisStore) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.CheckpointID
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace), &redis.ZRangeBy{
			Max:   "+",
			Min:   "-",
			Count: 1,
		}).Result()
		if err != nil {
			s.opts.logger.Warn("checkpoint read failed, continuing without history",
				zap.String("thread_id", cfg.ThreadID),
				zap.Error(err),
			)
			return nil, nil
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}

	data, err := s.client.Get(ctx, s.dataKey(cfg.ThreadID, cfg.Namespace, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.opts.logger.Warn("checkpoint read failed, continuing without history",
			zap.String("thread_id", cfg.ThreadID),
			zap.Error(err),
		)
		return nil, nil
	}
	t, err := s.decodeRecord(cfg.WithCheckpointID(id), data)
	if err != nil {
		s.opts.logger.Warn("checkpoint decode failed", zap.String("checkpoint_id", id), zap.Error(err))
		return nil, nil
	}
	return t, nil
}

func (s *RedisStore) decodeRecord(cfg Config, data []byte) (*Tuple, error) {
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return decode(cfg, encoded{checkpoint: string(rec.Checkpoint), metadata: string(rec.Metadata)},
		rec.ParentCheckpointID, rec.UserID, rec.CreatedAt)
}

// PutTuple implements Store.
func (s *RedisStore) PutTuple(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata) (Config, error) {
	if err := prepare(cfg, cp); err != nil {
		return Config{}, err
	}
	data, err := encode(cp, md)
	if err != nil {
		return Config{}, writeError(err)
	}
	payload, err := json.Marshal(redisRecord{
		Checkpoint:         json.RawMessage(data.checkpoint),
		Metadata:           json.RawMessage(data.metadata),
		ParentCheckpointID: cfg.CheckpointID,
		Type:               TypeCheckpoint,
		UserID:             s.opts.resolveUser(ctx, cfg.ThreadID),
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		return Config{}, writeError(err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(cfg.ThreadID, cfg.Namespace, cp.ID), payload, 0)
	pipe.ZAdd(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace), redis.Z{Score: 0, Member: cp.ID})
	pipe.SAdd(ctx, s.namespacesKey(cfg.ThreadID), cfg.Namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		s.opts.logger.Error("checkpoint write failed",
			zap.String("thread_id", cfg.ThreadID),
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err),
		)
		return Config{}, writeError(fmt.Errorf("store checkpoint %s: %w", cp.ID, err))
	}

	return cfg.WithCheckpointID(cp.ID), nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, cfg Config, filter *Filter) iter.Seq[*Tuple] {
	return func(yield func(*Tuple) bool) {
		if cfg.Validate() != nil {
			return
		}
		upper := "+"
		if before := filter.before(); before != "" {
			upper = "(" + before
		}
		limit := filter.limit()
		yielded := 0

		for {
			n := pageSize(s.opts.page, limit, yielded)
			if n <= 0 {
				return
			}
			ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(cfg.ThreadID, cfg.Namespace), &redis.ZRangeBy{
				Max:   upper,
				Min:   "-",
				Count: int64(n),
			}).Result()
			if err != nil {
				s.opts.logger.Warn("checkpoint list failed", zap.String("thread_id", cfg.ThreadID), zap.Error(err))
				return
			}
			if len(ids) == 0 {
				return
			}

			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = s.dataKey(cfg.ThreadID, cfg.Namespace, id)
			}
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				s.opts.logger.Warn("checkpoint list failed", zap.String("thread_id", cfg.ThreadID), zap.Error(err))
				return
			}

			for i, v := range values {
				str, ok := v.(string)
				if !ok {
					continue
				}
				t, err := s.decodeRecord(cfg.WithCheckpointID(ids[i]), []byte(str))
				if err != nil {
					s.opts.logger.Warn("checkpoint decode failed", zap.String("checkpoint_id", ids[i]), zap.Error(err))
					return
				}
				yielded++
				if !yield(t) {
					return
				}
			}
			if len(ids) < n {
				return
			}
			upper = "(" + ids[len(ids)-1]
		}
	}
}

// DeleteThread implements Store.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrInvalidConfig
	}
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return writeError(err)
	}

	keys := []string{s.namespacesKey(threadID)}
	for _, ns := range namespaces {
		ids, err := s.client.ZRange(ctx, s.indexKey(threadID, ns), 0, -1).Result()
		if err != nil {
			return writeError(err)
		}
		keys = append(keys, s.indexKey(threadID, ns))
		for _, id := range ids {
			keys = append(keys, s.dataKey(threadID, ns, id))
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return writeError(fmt.Errorf("delete thread %s: %w", threadID, err))
	}
	return nil
}
