// Package api 描述 cleo 对外暴露的 HTTP 接口。
//
// # API 概览
//
//   - POST /api/v1/executions/resume                      提交审批决定并恢复执行
//   - GET  /api/v1/executions/{id}/interrupt              查询执行当前的中断（可轮询）
//   - POST /api/v1/executions/{id}/cancel                 取消执行，挂起的审批自动 reject
//   - GET  /api/v1/executions/{id}/stream?modes=          WebSocket 事件流
//   - GET  /api/v1/threads/{thread_id}/checkpoints        checkpoint 历史（新的在前）
//   - GET  /api/v1/threads/{thread_id}/checkpoints/{cid}  单个 checkpoint，cid=latest 取最新
//   - GET  /health /healthz /ready /version               健康检查
//
// 指标在独立端口的 /metrics 上暴露。
//
// # 认证
//
// 配置了 JWT secret 时，/api/v1 下的端点需要 Authorization: Bearer <token>，
// token 的 sub 作为 user id 写入请求上下文，用于 checkpoint 归属与审计。
package api
