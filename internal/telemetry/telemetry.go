// =============================================================================
// cleo OpenTelemetry 初始化
// =============================================================================
// 负责 trace / metric provider 的创建与关闭。遥测禁用时不创建 exporter，
// 全局 provider 保持 noop；Tracer / Meter 始终可用。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/config"
)

// ServiceNamespace 写入 resource 的 service.namespace
const ServiceNamespace = "cleo"

// Providers 持有 SDK 的 TracerProvider 和 MeterProvider。
// 遥测禁用时两者都为 nil，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option 调整 Init 创建的 provider
type Option func(*options)

type options struct {
	spanProcessors []sdktrace.SpanProcessor
	skipExporters  bool
}

// WithSpanProcessor 追加一个 span processor（测试中用于收集 span）
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, sp) }
}

// WithoutExporters 不创建 OTLP exporter，仅使用追加的 processor
func WithoutExporters() Option {
	return func(o *options) { o.skipExporters = true }
}

// Init 初始化 OTel SDK 并注册为全局 provider。
// cfg.Enabled 为 false 时返回 noop Providers，不连接任何外部服务。
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
			semconv.ServiceNamespaceKey.String(ServiceNamespace),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		// 上游已采样的请求保持采样，避免同一 trace 被截断
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, sp := range o.spanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if !o.skipExporters {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("exporters", !o.skipExporters),
	)

	return &Providers{tp: tp, mp: mp}, nil
}

// Tracer 返回命名 tracer；未启用时退回全局 provider
func (p *Providers) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter 返回命名 meter；未启用时退回全局 provider
func (p *Providers) Meter(name string) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name)
	}
	return p.mp.Meter(name)
}

// Enabled 是否创建了 SDK provider
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Shutdown 刷新未导出的 span / metric 并关闭 exporter。
// 对 noop Providers 调用是安全的。
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ExecutionAttributes 执行相关的公共 span 属性
func ExecutionAttributes(executionID, threadID, agentID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if executionID != "" {
		attrs = append(attrs, attribute.String("execution.id", executionID))
	}
	if threadID != "" {
		attrs = append(attrs, attribute.String("thread.id", threadID))
	}
	if agentID != "" {
		attrs = append(attrs, attribute.String("agent.id", agentID))
	}
	return attrs
}

// buildVersion 从构建信息中读取模块版本，读不到时为 "dev"
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
