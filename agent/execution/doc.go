// Package execution 定义单次 Agent 执行的生命周期状态机。
//
// 状态转换由固定的邻接表约束：自转换总是允许，终态（failed、cancelled、
// completed）不再有任何出边。SafeSetState 在非法转换时只记录日志，不修改状态。
package execution
