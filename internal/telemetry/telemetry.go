// Package telemetry wires OpenTelemetry tracing and metrics into the
// engine, mirroring the way hooks.runHook annotates a fire-and-forget
// hook execution with a root span (hooks_unix.go). StartOperatorSpan
// builds a span per executor operator, but nothing in the engine or the
// executor calls it, so queries produce no operator spans. The engine
// records commits, aborts, query latency and checkpoints; the cache-hit,
// cache-miss and GC-run counters are registered but never incremented.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nexus-db/nexus"

// Telemetry bundles the tracer and the engine-wide metric instruments
// spec.md §6.5 names: transaction counters, checkpoint/GC timers, cache
// hit rate, and query latency histograms.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	TxCommitted  metric.Int64Counter
	TxAborted    metric.Int64Counter
	QueryLatency metric.Float64Histogram
	CacheHits    metric.Int64Counter
	CacheMisses  metric.Int64Counter
	GCRuns       metric.Int64Counter
	Checkpoints  metric.Int64Counter
}

// New builds a Telemetry bundle against the process-wide OTel providers
// (set by whatever SDK configuration the host process installs via
// otel.SetTracerProvider/otel.SetMeterProvider; Nexus does not force an
// exporter on embedders).
func New() (*Telemetry, error) {
	meter := otel.Meter(instrumentationName)

	txCommitted, err := meter.Int64Counter("nexus.tx.committed",
		metric.WithDescription("transactions committed"))
	if err != nil {
		return nil, err
	}
	txAborted, err := meter.Int64Counter("nexus.tx.aborted",
		metric.WithDescription("transactions aborted"))
	if err != nil {
		return nil, err
	}
	queryLatency, err := meter.Float64Histogram("nexus.query.latency_ms",
		metric.WithDescription("query execution latency in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("nexus.pagecache.hits")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("nexus.pagecache.misses")
	if err != nil {
		return nil, err
	}
	gcRuns, err := meter.Int64Counter("nexus.gc.runs")
	if err != nil {
		return nil, err
	}
	checkpoints, err := meter.Int64Counter("nexus.checkpoint.runs")
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:       otel.Tracer(instrumentationName),
		Meter:        meter,
		TxCommitted:  txCommitted,
		TxAborted:    txAborted,
		QueryLatency: queryLatency,
		CacheHits:    cacheHits,
		CacheMisses:  cacheMisses,
		GCRuns:       gcRuns,
		Checkpoints:  checkpoints,
	}, nil
}

// StartOperatorSpan opens a root-or-child span for one executor operator,
// recording the Cypher operator name and estimated row
// count the same way hooks.runHook tags hook.event/hook.path. The
// returned end func records any error and closes the span; callers defer
// it the same way runHook defers its span cleanup.
func (t *Telemetry) StartOperatorSpan(ctx context.Context, operator string, details string) (context.Context, func(rows int, err error)) {
	if t == nil {
		return ctx, func(int, error) {}
	}
	ctx, span := t.Tracer.Start(ctx, "query.operator",
		trace.WithAttributes(
			attribute.String("nexus.operator", operator),
			attribute.String("nexus.operator.details", details),
		),
	)
	return ctx, func(rows int, err error) {
		span.SetAttributes(attribute.Int("nexus.operator.rows", rows))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
