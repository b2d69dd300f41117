package stream

import "time"

// 事件名称
const (
	EventNodeUpdate   = "node_update"
	EventTaskStart    = "task_start"
	EventTaskComplete = "task_complete"
	EventTaskError    = "task_error"
	EventCheckpoint   = "checkpoint"
	EventToken        = "token"
	EventDebug        = "debug"
	EventValues       = "values"
)

// EmitValues 完整状态快照
func (m *Manager) EmitValues(values map[string]any, metadata map[string]any) {
	m.Emit(ModeValues, EventValues, values, metadata)
}

// EmitNodeUpdate 节点产生的增量更新
func (m *Manager) EmitNodeUpdate(node string, update any, metadata map[string]any) {
	m.Emit(ModeUpdates, EventNodeUpdate, map[string]any{
		"node":   node,
		"update": update,
	}, metadata)
}

// EmitTaskStart 任务开始
func (m *Manager) EmitTaskStart(taskID, name string, input any, metadata map[string]any) {
	m.Emit(ModeTasks, EventTaskStart, map[string]any{
		"task_id": taskID,
		"name":    name,
		"input":   input,
	}, metadata)
}

// EmitTaskComplete 任务完成
func (m *Manager) EmitTaskComplete(taskID, name string, result any, duration time.Duration, metadata map[string]any) {
	m.Emit(ModeTasks, EventTaskComplete, map[string]any{
		"task_id":     taskID,
		"name":        name,
		"result":      result,
		"duration_ms": duration.Milliseconds(),
	}, metadata)
}

// EmitTaskError 任务失败
func (m *Manager) EmitTaskError(taskID, name string, err error, metadata map[string]any) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.Emit(ModeTasks, EventTaskError, map[string]any{
		"task_id": taskID,
		"name":    name,
		"error":   msg,
	}, metadata)
}

// EmitCheckpoint checkpoint 写入
func (m *Manager) EmitCheckpoint(threadID, namespace, checkpointID string, step int, metadata map[string]any) {
	m.Emit(ModeCheckpoints, EventCheckpoint, map[string]any{
		"thread_id":     threadID,
		"checkpoint_ns": namespace,
		"checkpoint_id": checkpointID,
		"step":          step,
	}, metadata)
}

// EmitToken LLM 输出的单个 token
func (m *Manager) EmitToken(token string, metadata map[string]any) {
	m.Emit(ModeMessages, EventToken, map[string]any{"token": token}, metadata)
}

// EmitDebug 调试信息
func (m *Manager) EmitDebug(message string, data any, metadata map[string]any) {
	m.Emit(ModeDebug, EventDebug, map[string]any{
		"message": message,
		"data":    data,
	}, metadata)
}
