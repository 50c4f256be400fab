package observability

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/annel0/voxel-store/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Telemetry описывает узел хранилища для трассировки.
type Telemetry struct {
	ServiceName    string
	ServiceVersion string
	// NodeID попадает в service.instance.id; совпадает с узлом инвалидаций.
	NodeID string
	// Endpoint - host:port OTLP HTTP; пусто - переменные OTEL_* или localhost:4318.
	Endpoint string
	Insecure bool
	// SampleRatio - доля корневых спанов; 0 или >= 1 - все.
	SampleRatio float64
	Attributes  map[string]string
}

func (t Telemetry) resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(t.ServiceName)}
	if t.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(t.ServiceVersion))
	}
	if t.NodeID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(t.NodeID))
	}
	for _, k := range slices.Sorted(maps.Keys(t.Attributes)) {
		attrs = append(attrs, attribute.String(k, t.Attributes[k]))
	}
	return resource.New(ctx, resource.WithHost(), resource.WithAttributes(attrs...))
}

func (t Telemetry) sampler() trace.Sampler {
	if t.SampleRatio <= 0 || t.SampleRatio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(t.SampleRatio))
}

// InitTelemetry настраивает OTLP экспортер и устанавливает глобальный TracerProvider.
// Спаны загрузок чанков попадают в него через otel.Tracer.
// Возвращает функцию shutdown, которую нужно вызвать при завершении приложения.
func InitTelemetry(ctx context.Context, t Telemetry) (func(context.Context) error, error) {
	var opts []otlptracehttp.Option
	if t.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(t.Endpoint))
	}
	if t.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := t.resource(ctx)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
		trace.WithSampler(t.sampler()),
	)

	otel.SetTracerProvider(tp)
	logging.Info("📡 OpenTelemetry инициализирован (OTLP HTTP, service=%s, node=%s)", t.ServiceName, t.NodeID)

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
	return shutdown, nil
}
