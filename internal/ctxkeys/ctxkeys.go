// Package ctxkeys 存放 HTTP 层写入 context 的请求级值。
// 执行相关的值（user / thread / execution / trace）见 types 包。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	clientIPKey  contextKey = "client_ip"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithClientIP 设置客户端 IP（限流使用）
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIP 获取客户端 IP
func ClientIP(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientIPKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
