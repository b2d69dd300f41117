package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

type storeFactory func(t *testing.T, opts ...Option) Store

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) Store {
			return NewMemoryStore(opts...)
		},
		"sql": func(t *testing.T, opts ...Option) Store {
			return NewSQLStore(setupTestDB(t), opts...)
		},
		"redis": func(t *testing.T, opts ...Option) Store {
			_, client := setupTestRedis(t)
			return NewRedisStore(client, "test:", opts...)
		},
	}
}

func collect(seq func(func(*Tuple) bool)) []string {
	var ids []string
	for t := range seq {
		ids = append(ids, t.Config.CheckpointID)
	}
	return ids
}

func cpWithID(id string, values map[string]any) *Checkpoint {
	cp := New(values)
	cp.ID = id
	return cp
}

// putChain 写入 c1 -> c2 -> c3
func putChain(t *testing.T, ctx context.Context, s Store, cfg Config) {
	t.Helper()
	for i, id := range []string{"c1", "c2", "c3"} {
		next, err := s.PutTuple(ctx, cfg, cpWithID(id, map[string]any{"step": i}), Metadata{Source: SourceLoop, Step: i})
		require.NoError(t, err)
		cfg = next
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			runConformance(t, factory)
		})
	}
}

func runConformance(t *testing.T, factory storeFactory) {
	ctx := types.WithUserID(context.Background(), "user-1")
	base := Config{ThreadID: "thread-1", Namespace: ""}

	t.Run("empty thread returns nil", func(t *testing.T) {
		s := factory(t)
		tuple, err := s.GetTuple(ctx, base)
		require.NoError(t, err)
		assert.Nil(t, tuple)
		assert.Empty(t, collect(s.List(ctx, base, nil)))
	})

	t.Run("invalid config", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetTuple(ctx, Config{})
		assert.ErrorIs(t, err, ErrInvalidConfig)
		_, err = s.PutTuple(ctx, Config{}, New(nil), Metadata{})
		assert.ErrorIs(t, err, ErrInvalidConfig)
		_, err = s.PutTuple(ctx, base, nil, Metadata{})
		assert.ErrorIs(t, err, ErrNilCheckpoint)
	})

	t.Run("put returns config and get finds latest", func(t *testing.T) {
		s := factory(t)
		putChain(t, ctx, s, base)

		latest, err := s.GetTuple(ctx, base)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "c3", latest.Config.CheckpointID)
		assert.Equal(t, "c3", latest.Checkpoint.ID)
		require.NotNil(t, latest.ParentConfig)
		assert.Equal(t, "c2", latest.ParentConfig.CheckpointID)
		assert.Equal(t, SourceLoop, latest.Metadata.Source)
		assert.Equal(t, 2, latest.Metadata.Step)
		assert.Equal(t, "user-1", latest.UserID)

		exact, err := s.GetTuple(ctx, base.WithCheckpointID("c1"))
		require.NoError(t, err)
		require.NotNil(t, exact)
		assert.Equal(t, "c1", exact.Checkpoint.ID)
		assert.Nil(t, exact.ParentConfig)
		assert.EqualValues(t, 0, exact.Checkpoint.ChannelValues["step"])

		missing, err := s.GetTuple(ctx, base.WithCheckpointID("nope"))
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("parent chain traversal", func(t *testing.T) {
		s := factory(t)
		putChain(t, ctx, s, base)

		var chain []string
		cfg := base
		for {
			tuple, err := s.GetTuple(ctx, cfg)
			require.NoError(t, err)
			if tuple == nil {
				break
			}
			chain = append(chain, tuple.Config.CheckpointID)
			if tuple.ParentConfig == nil {
				break
			}
			cfg = *tuple.ParentConfig
		}
		assert.Equal(t, []string{"c3", "c2", "c1"}, chain)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		s := factory(t)
		_, err := s.PutTuple(ctx, base, cpWithID("c1", map[string]any{"v": "first"}), Metadata{Source: SourceInput})
		require.NoError(t, err)
		out, err := s.PutTuple(ctx, base, cpWithID("c1", map[string]any{"v": "second"}), Metadata{Source: SourceUpdate})
		require.NoError(t, err)
		assert.Equal(t, "c1", out.CheckpointID)

		assert.Equal(t, []string{"c1"}, collect(s.List(ctx, base, nil)))
		got, err := s.GetTuple(ctx, base)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second", got.Checkpoint.ChannelValues["v"])
		assert.Equal(t, SourceUpdate, got.Metadata.Source)
	})

	t.Run("list order before and limit", func(t *testing.T) {
		s := factory(t)
		putChain(t, ctx, s, base)

		assert.Equal(t, []string{"c3", "c2", "c1"}, collect(s.List(ctx, base, nil)))
		assert.Equal(t, []string{"c2", "c1"}, collect(s.List(ctx, base, &Filter{Before: &Config{CheckpointID: "c3"}})))
		assert.Equal(t, []string{"c3"}, collect(s.List(ctx, base, &Filter{Limit: 1})))
		assert.Equal(t, []string{"c2"}, collect(s.List(ctx, base, &Filter{Before: &Config{CheckpointID: "c3"}, Limit: 1})))

		// 可重复遍历
		seq := s.List(ctx, base, nil)
		assert.Equal(t, collect(seq), collect(seq))
	})

	t.Run("list stops early", func(t *testing.T) {
		s := factory(t)
		putChain(t, ctx, s, base)

		var seen []string
		for tuple := range s.List(ctx, base, nil) {
			seen = append(seen, tuple.Config.CheckpointID)
			if len(seen) == 2 {
				break
			}
		}
		assert.Equal(t, []string{"c3", "c2"}, seen)
	})

	t.Run("list pages through history", func(t *testing.T) {
		s := factory(t, WithPageSize(2))
		cfg := base
		var want []string
		for i := 0; i < 7; i++ {
			id := fmt.Sprintf("p%02d", i)
			next, err := s.PutTuple(ctx, cfg, cpWithID(id, nil), Metadata{Step: i})
			require.NoError(t, err)
			cfg = next
			want = append([]string{id}, want...)
		}
		assert.Equal(t, want, collect(s.List(ctx, base, nil)))
		assert.Equal(t, want[:5], collect(s.List(ctx, base, &Filter{Limit: 5})))
		assert.Equal(t, want[3:], collect(s.List(ctx, base, &Filter{Before: &Config{CheckpointID: want[2]}})))
	})

	t.Run("namespaces and threads are isolated", func(t *testing.T) {
		s := factory(t)
		putChain(t, ctx, s, base)
		sub := Config{ThreadID: "thread-1", Namespace: "child"}
		_, err := s.PutTuple(ctx, sub, cpWithID("x1", nil), Metadata{})
		require.NoError(t, err)

		assert.Equal(t, []string{"x1"}, collect(s.List(ctx, sub, nil)))
		assert.Empty(t, collect(s.List(ctx, Config{ThreadID: "thread-2"}, nil)))

		assert.ErrorIs(t, s.DeleteThread(ctx, ""), ErrInvalidConfig)
		assert.Equal(t, []string{"x1"}, collect(s.List(ctx, sub, nil)))

		require.NoError(t, s.DeleteThread(ctx, "thread-1"))
		assert.Empty(t, collect(s.List(ctx, base, nil)))
		assert.Empty(t, collect(s.List(ctx, sub, nil)))
	})

	t.Run("write succeeds without attribution", func(t *testing.T) {
		s := factory(t)
		_, err := s.PutTuple(context.Background(), base, cpWithID("c1", nil), Metadata{})
		require.NoError(t, err)
		got, err := s.GetTuple(context.Background(), base)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.UserID)
	})

	t.Run("generated ids are ordered", func(t *testing.T) {
		s := factory(t)
		cfg := base
		var ids []string
		for i := 0; i < 5; i++ {
			cp := New(nil)
			next, err := s.PutTuple(ctx, cfg, cp, Metadata{Step: i})
			require.NoError(t, err)
			ids = append([]string{next.CheckpointID}, ids...)
			cfg = next
		}
		assert.Equal(t, ids, collect(s.List(ctx, base, nil)))
	})

	t.Run("concurrent upserts", func(t *testing.T) {
		s := factory(t)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				if _, err := s.PutTuple(gctx, base, cpWithID("same", map[string]any{"writer": i}), Metadata{}); err != nil {
					return err
				}
				_, err := s.PutTuple(gctx, base, cpWithID(fmt.Sprintf("w%d", i), nil), Metadata{})
				return err
			})
		}
		require.NoError(t, g.Wait())

		ids := collect(s.List(ctx, base, nil))
		assert.Len(t, ids, 9)
		assert.Contains(t, ids, "same")
	})
}

// ---------------------------------------------------------------------------
// Attribution
// ---------------------------------------------------------------------------

func TestSQLStore_ThreadOwnerWinsOverContext(t *testing.T) {
	db := setupTestDB(t)
	ctx := types.WithUserID(context.Background(), "request-user")
	require.NoError(t, RegisterThread(ctx, db, AgentThread{ThreadID: "t1", UserID: "owner", AgentID: "cleo"}))

	s := NewSQLStore(db)
	_, err := s.PutTuple(ctx, Config{ThreadID: "t1"}, New(nil), Metadata{})
	require.NoError(t, err)
	_, err = s.PutTuple(ctx, Config{ThreadID: "t2"}, New(nil), Metadata{})
	require.NoError(t, err)

	t1, err := s.GetTuple(ctx, Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "owner", t1.UserID)

	t2, err := s.GetTuple(ctx, Config{ThreadID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "request-user", t2.UserID)

	// 重复登记为更新
	require.NoError(t, RegisterThread(ctx, db, AgentThread{ThreadID: "t1", UserID: "new-owner"}))
	owner, err := NewGormOwnerLookup(db).OwnerOf(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "new-owner", owner)
}

func TestResolveUser_WarnsWhenUnresolved(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	lookupErr := fmt.Errorf("lookup down")
	s := NewMemoryStore(
		WithLogger(zap.New(core)),
		WithOwnerLookup(OwnerLookupFunc(func(ctx context.Context, threadID string) (string, error) {
			return "", lookupErr
		})),
	)

	_, err := s.PutTuple(context.Background(), Config{ThreadID: "t"}, New(nil), Metadata{})
	require.NoError(t, err)

	require.Equal(t, 1, logs.FilterMessage("checkpoint user attribution unresolved").Len())
}

// ---------------------------------------------------------------------------
// Failure semantics
// ---------------------------------------------------------------------------

func TestSQLStore_ReadFailuresDegradeWriteFailuresPropagate(t *testing.T) {
	db := setupTestDB(t)
	s := NewSQLStore(db)
	ctx := context.Background()
	cfg := Config{ThreadID: "t"}

	_, err := s.PutTuple(ctx, cfg, cpWithID("c1", nil), Metadata{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	got, err := s.GetTuple(ctx, cfg)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, collect(s.List(ctx, cfg, nil)))

	_, err = s.PutTuple(ctx, cfg, cpWithID("c2", nil), Metadata{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCheckpointWrite))
}

func TestRedisStore_ReadFailuresDegradeWriteFailuresPropagate(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := NewRedisStore(client, "")
	ctx := context.Background()
	cfg := Config{ThreadID: "t"}

	_, err := s.PutTuple(ctx, cfg, cpWithID("c1", nil), Metadata{})
	require.NoError(t, err)
	assert.True(t, mr.Exists("cleo:checkpoint:t::data:c1"))

	mr.Close()

	got, err := s.GetTuple(ctx, cfg)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, collect(s.List(ctx, cfg, nil)))

	_, err = s.PutTuple(ctx, cfg, cpWithID("c2", nil), Metadata{})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrCheckpointWrite))
}

func TestMemoryStore_ReturnsIndependentCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cfg := Config{ThreadID: "t"}

	cp := cpWithID("c1", map[string]any{"k": "v"})
	_, err := s.PutTuple(ctx, cfg, cp, Metadata{})
	require.NoError(t, err)
	cp.ChannelValues["k"] = "mutated"

	got, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	got.Checkpoint.ChannelValues["k"] = "also mutated"

	again, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Checkpoint.ChannelValues["k"])
}
