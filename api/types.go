package api

import "net/http"

// =============================================================================
// 路由表
// =============================================================================

// 路由模式（Go 1.22 ServeMux 语法）
const (
	RouteResume          = "POST /api/v1/executions/resume"
	RouteGetInterrupt    = "GET /api/v1/executions/{id}/interrupt"
	RouteCancel          = "POST /api/v1/executions/{id}/cancel"
	RouteStream          = "GET /api/v1/executions/{id}/stream"
	RouteListCheckpoints = "GET /api/v1/threads/{thread_id}/checkpoints"
	RouteGetCheckpoint   = "GET /api/v1/threads/{thread_id}/checkpoints/{checkpoint_id}"

	RouteResolveConfirmation = "POST /api/v1/confirmations/{id}/resolve"

	RouteHealth  = "GET /health"
	RouteHealthz = "GET /healthz"
	RouteReady   = "GET /ready"
	RouteVersion = "GET /version"

	RouteMetrics = "GET /metrics"
)

// APIPrefix 需要认证的路径前缀
const APIPrefix = "/api/v1/"

// Route 一条路由
type Route struct {
	Pattern string
	Handler http.HandlerFunc
	// Public 为 true 时不经过认证
	Public bool
}

// Register 将路由注册到 mux；wrap 只作用于非 Public 路由
func Register(mux *http.ServeMux, routes []Route, wrap func(http.Handler) http.Handler) {
	for _, rt := range routes {
		var h http.Handler = rt.Handler
		if !rt.Public && wrap != nil {
			h = wrap(h)
		}
		mux.Handle(rt.Pattern, h)
	}
}
