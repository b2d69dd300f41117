package supervisor

import "time"

// Metrics 执行指标；internal/metrics.Collector 实现了该接口
type Metrics interface {
	RecordExecution(agentID, state string, duration time.Duration)
	RecordStateTransition(from, to string, applied bool)
	RecordDelegation(agentID, status string)
	RecordCircuitRejection(agentID string)
	RecordRetry(operation string)
	RecordCheckpoint(operation string, err error, duration time.Duration)
	RecordInterruptRequested(toolName string)
	RecordInterruptResolved(toolName, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordExecution(string, string, time.Duration) {}
func (nopMetrics) RecordStateTransition(string, string, bool) {}
func (nopMetrics) RecordDelegation(string, string) {}
func (nopMetrics) RecordCircuitRejection(string) {}
func (nopMetrics) RecordRetry(string) {}
func (nopMetrics) RecordCheckpoint(string, error, time.Duration) {}
func (nopMetrics) RecordInterruptRequested(string) {}
func (nopMetrics) RecordInterruptResolved(string, string) {}
