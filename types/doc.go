/*
Package types 提供执行核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、api、cmd 等上层模块
提供统一的类型契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - Tool / ToolResult：工具调用契约，审批装饰器与业务工具共享
  - ToolFunc：函数到 Tool 的适配器

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithAgentID / WithThreadID / WithExecutionID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - CancelledResult：被拒绝的工具调用返回结构化结果而非错误
*/
package types
