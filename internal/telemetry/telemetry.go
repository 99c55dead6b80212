// Package telemetry installs the OpenTelemetry SDK providers behind the
// global tracer, meter and logger.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kalambet/glimpse/internal/config"
)

const serviceName = "glimpse"

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

type Options struct {
	// Exporter is one of config.ExporterNone, ExporterStdout or ExporterOTLP.
	Exporter string
	Version  string
	// Writer receives stdout exporter output. Defaults to os.Stderr.
	Writer io.Writer
}

type exporters struct {
	span   sdktrace.SpanExporter
	metric sdkmetric.Exporter
	log    sdklog.Exporter
}

// Setup installs global providers for opts.Exporter. With the none exporter
// the globals are left alone and the returned shutdown does nothing.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	var (
		exp exporters
		err error
	)
	switch opts.Exporter {
	case "", config.ExporterNone:
		return noop, nil
	case config.ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err = stdoutExporters(w)
	case config.ExporterOTLP:
		exp, err = otlpExporters(ctx)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s exporters: %w", opts.Exporter, err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", opts.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp.span),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp.metric)),
		sdkmetric.WithResource(res),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp.log)),
		sdklog.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}, nil
}

func stdoutExporters(w io.Writer) (exporters, error) {
	span, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return exporters{}, err
	}
	metric, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return exporters{}, err
	}
	log, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return exporters{}, err
	}
	return exporters{span: span, metric: metric, log: log}, nil
}

// otlpExporters reads the endpoint, headers and protocol options from the
// standard OTEL_EXPORTER_OTLP_* variables.
func otlpExporters(ctx context.Context) (exporters, error) {
	span, err := otlptracehttp.New(ctx)
	if err != nil {
		return exporters{}, err
	}
	metric, err := otlpmetrichttp.New(ctx)
	if err != nil {
		span.Shutdown(ctx)
		return exporters{}, err
	}
	log, err := otlploghttp.New(ctx)
	if err != nil {
		span.Shutdown(ctx)
		metric.Shutdown(ctx)
		return exporters{}, err
	}
	return exporters{span: span, metric: metric, log: log}, nil
}
