// Package telemetry 初始化 OpenTelemetry 的 TracerProvider / MeterProvider（OTLP gRPC 导出），
// supervisor 委派和 HTTP 中间件从这里取 tracer。
// Enabled=false 时返回 noop provider。
package telemetry
