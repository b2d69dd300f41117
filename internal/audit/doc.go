// Package audit 记录执行生命周期的审计事件（JSON lines），
// 每条记录携带 trace_id / execution_id / agent_id，可选 user_id / thread_id / state。
package audit
