/*
Package handlers 提供 cleo HTTP API 的请求处理器实现。

# 核心类型

  - InterruptHandler：审批恢复（resume）、中断查询、执行取消
  - CheckpointHandler：thread 的 checkpoint 历史与单个 checkpoint 查询
  - StreamHandler：将执行事件通过 WebSocket 推送给客户端
  - HealthHandler：健康检查（/health, /healthz, /ready, /version）
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码

# 约定

  - 错误统一通过 WriteError / WriteAnyError 输出，types.ErrorCode 自动映射 HTTP 状态码
  - 请求体通过 DecodeJSONBody 解码（1 MB 限制 + 严格模式）
  - resume 端点的响应为 {success, executionId, status}，不使用统一信封
  - 路径参数使用 Go 1.22 ServeMux 的 PathValue
*/
package handlers
