package checkpoint

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// Store checkpoint 持久化抽象。所有实现行为一致：
//   - GetTuple 读失败降级为 (nil, nil)，只有非法 config 返回错误
//   - PutTuple 按 (thread, ns, id) upsert，写失败返回错误
//   - List 按 checkpoint_id 降序惰性产出，读失败时提前结束
type Store interface {
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)
	PutTuple(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata) (Config, error)
	List(ctx context.Context, cfg Config, filter *Filter) iter.Seq[*Tuple]
	DeleteThread(ctx context.Context, threadID string) error
}

// OwnerLookup 查询 thread 的归属用户
type OwnerLookup interface {
	OwnerOf(ctx context.Context, threadID string) (string, error)
}

// OwnerLookupFunc 函数适配器
type OwnerLookupFunc func(ctx context.Context, threadID string) (string, error)

// OwnerOf implements OwnerLookup.
func (f OwnerLookupFunc) OwnerOf(ctx context.Context, threadID string) (string, error) {
	return f(ctx, threadID)
}

// Option 配置 Store 实现
type Option func(*options)

type options struct {
	logger *zap.Logger
	owners OwnerLookup
	page   int
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOwnerLookup 设置 thread 归属查询
func WithOwnerLookup(l OwnerLookup) Option {
	return func(o *options) { o.owners = l }
}

// WithPageSize 设置 List 单次查询的条数
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.page = n
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: zap.NewNop(), page: 50}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(zap.String("component", component))
	return o
}

// resolveUser 归属用户：thread 记录 -> 请求上下文 -> 空（记录 warning）。
// 该值仅用于审计，任何情况下都不阻止写入。
func (o options) resolveUser(ctx context.Context, threadID string) string {
	if o.owners != nil {
		owner, err := o.owners.OwnerOf(ctx, threadID)
		if err != nil {
			o.logger.Debug("thread owner lookup failed",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
		} else if owner != "" {
			return owner
		}
	}
	if uid, ok := types.UserID(ctx); ok {
		return uid
	}
	o.logger.Warn("checkpoint user attribution unresolved", zap.String("thread_id", threadID))
	return ""
}

// pageSize 计算下一页条数
func pageSize(page, limit, yielded int) int {
	if limit > 0 && limit-yielded < page {
		return limit - yielded
	}
	return page
}

// writeError 包装持久化写失败
func writeError(err error) error {
	return types.NewError(types.ErrCheckpointWrite, "checkpoint write failed").
		WithHTTPStatus(500).
		WithCause(err)
}
