// Package tracing OpenTelemetry 装配与双写链路的 span 工具
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config 链路追踪配置
type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector 地址
	Enabled     bool
	SampleRate  float64 // 0.0-1.0
}

const (
	tracerName = "dualwrite"

	// 出入站请求都带上 trace ID，方便用日志反查链路
	traceIDHeader = "X-Trace-ID"

	// 流事件里携带 trace ID 的字段
	streamTraceField = "_traceId"
)

var active atomic.Bool

// Init 装配全局 TracerProvider 与 W3C 传播器，返回 shutdown。
// 未启用时装 noop provider，所有 span 工具退化为空操作。
func Init(cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		active.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = tracerName
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	active.Store(true)

	return tp.Shutdown, nil
}

func clampRate(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// StartSpan 在 ctx 上开一个 span，未启用时返回原 ctx 与非记录 span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !active.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AddEvent 给当前 span 记一条事件
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if !active.Load() {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetError 在当前 span 上登记错误并置错误状态
func SetError(ctx context.Context, err error) {
	if !active.Load() || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// HTTPMiddleware 为每个请求开 server span，请求头里的
// W3C trace 上下文接续为父 span，响应头回带 trace ID
func HTTPMiddleware(next http.Handler) http.Handler {
	if !active.Load() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		if tid := currentTraceID(ctx); tid != "" {
			w.Header().Set(traceIDHeader, tid)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InjectHTTP 把 trace 上下文写进出站请求头
func InjectHTTP(ctx context.Context, req *http.Request) {
	if !active.Load() || req == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if tid := currentTraceID(ctx); tid != "" {
		req.Header.Set(traceIDHeader, tid)
	}
}

// InjectRedisStream 把 trace ID 带进流事件字段
func InjectRedisStream(ctx context.Context, values map[string]interface{}) {
	if !active.Load() || values == nil {
		return
	}
	if tid := currentTraceID(ctx); tid != "" {
		values[streamTraceField] = tid
	}
}

func currentTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
