package otelcol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"getonblockchain/pkg/config"
	"getonblockchain/pkg/otelcol/exporters"
)

// Module installs the global tracer and meter providers. With no OTEL.ADDR the
// providers still exist so spans carry trace ids for log correlation.
var Module = fx.Module("otelcol",
	fx.Provide(
		NewTracerProvider,
		NewMeterProvider,
	),
	fx.Invoke(install),
)

// install forces both providers to be built so the globals are set even in
// processes that never inject them.
func install(oteltrace.TracerProvider, otelmetric.MeterProvider) {}

func newResource(cfg *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}
	return trace.NewTracerProvider(opts...)
}

func ProvideMetric(reader metric.Reader, opts ...metric.Option) *metric.MeterProvider {
	if reader != nil {
		opts = append(opts, metric.WithReader(reader))
	}
	return metric.NewMeterProvider(opts...)
}

func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) oteltrace.TracerProvider {
	var exporter trace.SpanExporter
	if cfg.Otel.Addr != "" {
		var err error
		switch cfg.Otel.Protocol {
		case "grpc":
			exporter, err = exporters.ProvideGrpc(cfg)
		default:
			exporter, err = exporters.ProvideHttp(cfg)
		}
		if err != nil {
			zap.L().Warn("otel exporter unavailable, tracing locally only", zap.String("addr", cfg.Otel.Addr), zap.Error(err))
			exporter = nil
		}
	}

	tp := ProvideTrace(exporter, trace.WithResource(newResource(cfg)))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp
}

func NewMeterProvider(lc fx.Lifecycle, cfg *config.Config) otelmetric.MeterProvider {
	mp := ProvideMetric(nil, metric.WithResource(newResource(cfg)))
	otel.SetMeterProvider(mp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mp.Shutdown(ctx)
		},
	})
	return mp
}
