// Package metrics wires OpenTelemetry tracing and metrics for the sync
// engine: package-level instruments registered against the global
// provider at init time, so every call site using them is a no-op until
// Init configures a real exporter. Exporters are the stdout ones
// (go.opentelemetry.io/otel/exporters/stdout/{stdoutmetric, stdouttrace})
// — sufficient for a sync engine with no metrics backend opinion of its
// own; an operator wires a real backend by swapping the exporter in
// Init, not by touching call sites.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/oculairmedia/huly-vibe-sync/internal/model"
)

const instrumentationName = "github.com/oculairmedia/huly-vibe-sync"

// Tracer is the engine-wide tracer. Spans recorded on it are no-ops until
// Init installs a real TracerProvider.
var Tracer = otel.Tracer(instrumentationName)

var meter = otel.Meter(instrumentationName)

var instruments struct {
	syncRuns       metric.Int64Counter
	syncRunErrors  metric.Int64Counter
	syncRunSeconds metric.Float64Histogram
	issuesCreated  metric.Int64Counter
	issuesUpdated  metric.Int64Counter
	retryCount     metric.Int64Counter
}

func init() {
	var err error
	instruments.syncRuns, err = meter.Int64Counter("syncengine.sync_runs",
		metric.WithDescription("Completed per-project sync runs"),
		metric.WithUnit("{run}"))
	logInitErr(err)

	instruments.syncRunErrors, err = meter.Int64Counter("syncengine.sync_run_errors",
		metric.WithDescription("Per-project sync runs that aborted with an error"),
		metric.WithUnit("{run}"))
	logInitErr(err)

	instruments.syncRunSeconds, err = meter.Float64Histogram("syncengine.sync_run.duration",
		metric.WithDescription("Wall-clock duration of one per-project sync run"),
		metric.WithUnit("s"))
	logInitErr(err)

	instruments.issuesCreated, err = meter.Int64Counter("syncengine.issues_created",
		metric.WithDescription("Issues created across all synced systems"),
		metric.WithUnit("{issue}"))
	logInitErr(err)

	instruments.issuesUpdated, err = meter.Int64Counter("syncengine.issues_updated",
		metric.WithDescription("Issues updated across all synced systems"),
		metric.WithUnit("{issue}"))
	logInitErr(err)

	instruments.retryCount, err = meter.Int64Counter("syncengine.retries",
		metric.WithDescription("Retried remote operations across every client"),
		metric.WithUnit("{retry}"))
	logInitErr(err)
}

// logInitErr never fails startup over an instrument registration problem;
// it would only ever happen on a duplicate name, which is a programmer
// error caught in review, not a runtime condition to guard.
func logInitErr(err error) {
	if err != nil {
		fmt.Printf("metrics: instrument registration failed: %v\n", err)
	}
}

// Shutdown flushes and stops whatever providers Init installed.
type Shutdown func(ctx context.Context) error

// Init installs stdout-exporting trace and metric providers as the global
// OTel providers, upgrading every package-level instrument (this package's
// and any other package's `otel.Meter`/`otel.Tracer` calls) from no-op to
// live. Returns a Shutdown to flush on graceful exit.
func Init(ctx context.Context) (Shutdown, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("metrics: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(60*time.Second))))
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}

// RecordSyncRun records the outcome of one orchestrator.RunProject call:
// its duration and the created/updated/error counts the returned SyncRun
// carries.
func RecordSyncRun(ctx context.Context, projectID string, run *model.SyncRun, err error, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("project", projectID))
	instruments.syncRuns.Add(ctx, 1, attrs)
	instruments.syncRunSeconds.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		instruments.syncRunErrors.Add(ctx, 1, attrs)
	}
	if run == nil {
		return
	}
	instruments.issuesCreated.Add(ctx, int64(run.Created), attrs)
	instruments.issuesUpdated.Add(ctx, int64(run.Updated), attrs)
}

// RecordRetry records one retried remote operation, for any client that
// wants to report into the shared retry counter.
func RecordRetry(ctx context.Context, component string) {
	instruments.retryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// StartSpan starts a span on the engine-wide Tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
