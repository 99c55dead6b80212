package inference

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/kalambet/glimpse/internal/inference"

// Request outcomes recorded on the metrics.
const (
	outcomeOK     = "ok"
	outcomeStream = "stream"
	outcomeError  = "error"
)

type instruments struct {
	tracerProvider  trace.TracerProvider
	meterProvider   metric.MeterProvider
	tracer          trace.Tracer
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) *instruments {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(scopeName)

	// Instrument errors only come from invalid names; the no-op instruments
	// returned alongside are safe to use.
	count, _ := meter.Int64Counter("glimpse.inference.requests",
		metric.WithDescription("Generate requests by artifact kind and outcome."))
	duration, _ := meter.Float64Histogram("glimpse.inference.duration",
		metric.WithDescription("Time until the full buffered response or the stream headers arrived."),
		metric.WithUnit("s"))

	return &instruments{
		tracerProvider:  tp,
		meterProvider:   mp,
		tracer:          tp.Tracer(scopeName),
		requestCount:    count,
		requestDuration: duration,
	}
}

func (in *instruments) recordRequest(ctx context.Context, req Request, outcome string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("request.kind", string(req.Artifact.Kind)),
		attribute.String("outcome", outcome),
	)
	in.requestCount.Add(ctx, 1, attrs)
	in.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
