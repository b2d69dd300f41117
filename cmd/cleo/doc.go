/*
Package main 提供 cleo 服务端程序入口。

# 概述

cmd/cleo 组装 supervisor、checkpoint 存储、人工审批与事件流，
对外提供 HTTP / WebSocket API，并附带数据库迁移、健康检查和版本查询子命令。

# 核心类型

  - Server：按配置创建存储与 supervisor，管理 API、Metrics 双端口及优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up/down/steps/goto/force/reset/status/version）、version、health
  - 中间件链：Recovery、RequestID、ClientIP、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter（基于 IP）
  - 认证：JWTAuth（HS256）只包装 /api/v1 路由
  - 存储后端：checkpoint 支持 memory / sql / redis，审批支持 memory / sql
  - 重启恢复：启动时 RestorePending 重建仍在等待审批的执行
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
