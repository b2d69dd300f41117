package handlers

import (
	"context"
	"net/http"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// ExecutionOwner 返回执行的归属用户；found=false 表示执行不存在。
// 由 supervisor.Supervisor.Owner 实现。
type ExecutionOwner func(ctx context.Context, executionID string) (userID string, found bool)

// ownedBy 请求用户是否可以访问 owner 的资源。
// 未认证（auth 关闭）或资源没有归属时放行。
func ownedBy(r *http.Request, owner string) bool {
	user, ok := types.UserID(r.Context())
	if !ok || owner == "" {
		return true
	}
	return user == owner
}
