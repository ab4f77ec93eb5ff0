// Package observe provides observability primitives for keeperd:
// OpenTelemetry metrics with a Prometheus exporter bridge, and HTTP
// middleware that records request latency.
//
// Metrics are recorded through the OTel Metrics API and scraped via the
// standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all keeperd metrics.
const meterName = "github.com/arkhamlabs/keeperd"

// Metrics holds all OTel metric instruments for the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// TurnDuration tracks whole-turn latency. Use with attribute:
	//   attribute.String("outcome", "committed"|"suspended"|"failed")
	TurnDuration metric.Float64Histogram

	// StageDuration tracks per-stage latency. Use with attribute:
	//   attribute.String("stage", "intent"|"trigger"|"check"|"react"|"synth")
	StageDuration metric.Float64Histogram

	// OracleDuration tracks LLM oracle call latency by purpose.
	OracleDuration metric.Float64Histogram

	// OracleErrors counts failed or unparseable oracle calls. Use with
	// attributes: attribute.String("purpose", ...), attribute.String("kind", ...)
	OracleErrors metric.Int64Counter

	// DiceRolls counts resolved skill checks. Use with attributes:
	//   attribute.String("skill", ...), attribute.String("result", "success"|"failure")
	DiceRolls metric.Int64Counter

	// EventsFired counts triggered events by match kind ("hard"|"soft").
	EventsFired metric.Int64Counter

	// NPCReactions counts NPC reaction outcomes by visibility.
	NPCReactions metric.Int64Counter

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// oracle-bound turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("keeperd.turn.duration",
		metric.WithDescription("Whole-turn latency by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("keeperd.stage.duration",
		metric.WithDescription("Turn-stage latency by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OracleDuration, err = m.Float64Histogram("keeperd.oracle.duration",
		metric.WithDescription("Oracle call latency by purpose."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.OracleErrors, err = m.Int64Counter("keeperd.oracle.errors",
		metric.WithDescription("Failed or unparseable oracle calls by purpose and kind."),
	); err != nil {
		return nil, err
	}
	if met.DiceRolls, err = m.Int64Counter("keeperd.dice.rolls",
		metric.WithDescription("Resolved skill checks by skill and result."),
	); err != nil {
		return nil, err
	}
	if met.EventsFired, err = m.Int64Counter("keeperd.events.fired",
		metric.WithDescription("Triggered events by match kind."),
	); err != nil {
		return nil, err
	}
	if met.NPCReactions, err = m.Int64Counter("keeperd.npc.reactions",
		metric.WithDescription("NPC reaction outcomes by visibility."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTurns, err = m.Int64UpDownCounter("keeperd.active_turns",
		metric.WithDescription("Turns currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("keeperd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordOracleDuration records one oracle call's latency by purpose. Failed
// calls are recorded too; the deadline is part of the latency picture.
func (m *Metrics) RecordOracleDuration(ctx context.Context, purpose string, d time.Duration) {
	m.OracleDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("purpose", purpose)))
}

// RecordOracleError records one failed oracle call.
func (m *Metrics) RecordOracleError(ctx context.Context, purpose, kind string) {
	m.OracleErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("purpose", purpose),
			attribute.String("kind", kind),
		),
	)
}

// RecordDiceRoll records one resolved skill check.
func (m *Metrics) RecordDiceRoll(ctx context.Context, skill string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.DiceRolls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("skill", skill),
			attribute.String("result", result),
		),
	)
}

// RecordEventFired records one triggered event by match kind.
func (m *Metrics) RecordEventFired(ctx context.Context, kind string) {
	m.EventsFired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordNPCReaction records one NPC reaction by visibility.
func (m *Metrics) RecordNPCReaction(ctx context.Context, visibility string) {
	m.NPCReactions.Add(ctx, 1, metric.WithAttributes(attribute.String("visibility", visibility)))
}
