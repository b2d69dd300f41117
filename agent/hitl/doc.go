// Package hitl 提供 Human-in-the-Loop 审批与中断恢复能力。
//
// 敏感工具经 Gate 包装后，调用时会生成审批请求并挂起当前执行，
// 直到人工给出 accept / edit / reject 决定。中断记录持久化在
// InterruptStore 中，配合 checkpoint 可在进程重启后继续等待与恢复。
package hitl
