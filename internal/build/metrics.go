package build

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Build instruments. A nil *Metrics records nothing.
type Metrics struct {
	stepDuration  metric.Float64Histogram
	cacheLookups  metric.Int64Counter
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
}

// Creates the build instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	stepDuration, err := meter.Float64Histogram(
		"stratum_step_duration_seconds",
		metric.WithDescription("Duration of build steps in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter(
		"stratum_cache_lookups_total",
		metric.WithDescription("Layer cache lookups by result"),
	)
	if err != nil {
		return nil, err
	}

	buildDuration, err := meter.Float64Histogram(
		"stratum_build_duration_seconds",
		metric.WithDescription("Duration of builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"stratum_builds_total",
		metric.WithDescription("Total number of builds"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		stepDuration:  stepDuration,
		cacheLookups:  cacheLookups,
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
	}, nil
}

func (m *Metrics) recordStep(ctx context.Context, op string, cached bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("instruction", op),
		attribute.Bool("cached", cached),
	))
}

func (m *Metrics) recordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) recordBuild(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}
	m.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.buildTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
