package driver

import (
	"context"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// otelTracerName is the instrumentation name the facade's spans are
// reported under; an embedder that configures a real exporter on the
// global TracerProvider sees Connect/Prepare/Start/Stop as a connected
// span tree without this package needing to know about any exporter.
const otelTracerName = "github.com/esrf-bliss/areadet/driver"

// otelBridge owns the optional OTel SDK providers a Driver installs as
// process globals when Config.EnableOTelSDK is set, replacing any global
// providers set before. These providers have no exporter, so spans and
// metrics are recorded by the real SDK machinery and have nowhere to go.
type otelBridge struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

func setupOtel(enable bool) *otelBridge {
	if !enable {
		return nil
	}
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return &otelBridge{tracerProvider: tp, meterProvider: mp}
}

func (b *otelBridge) shutdown(ctx context.Context) {
	if b == nil {
		return
	}
	_ = b.tracerProvider.Shutdown(ctx)
	_ = b.meterProvider.Shutdown(ctx)
}

// startSpan opens an OTel span for one facade-boundary operation
// (Connect, Prepare, Start, Stop). When no SDK has been installed this
// still goes through the global (noop) TracerProvider, so call sites don't
// need to branch on whether OTel is enabled.
func startSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return otel.Tracer(otelTracerName).Start(ctx, name)
}
