/*
Package supervisor 实现 supervisor 执行的控制流：启动、委派专家、
写 checkpoint、审批挂起与恢复、完成 / 失败 / 取消。

# 生命周期

	Start -> pending_bootstrap -> (input checkpoint) -> running
	Delegate: 熔断检查 -> 重试调用 -> loop checkpoint
	审批: running -> awaiting_confirmation (update checkpoint) -> running
	Complete / Fail / Cancel: 进入终态

所有状态变化都经过 execution.SafeSetState，非法转换被拦截并记录。
Cancel 会自动 reject 挂起中的审批，并作废该执行所有待确认的动作。

# 恢复

审批挂起时写入的 checkpoint 带有执行描述，进程重启后
RestorePending 通过 InterruptManager.Restore 找到等待中的执行，
Resume 从 thread 最新 checkpoint 重建执行；审批结果到达且
本进程内没有等待者时，调用 Deps.OnResume 继续执行。
*/
package supervisor
