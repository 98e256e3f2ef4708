package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/abflow/experiment"
)

// meterName 仪表作用域
const meterName = "github.com/BaSui01/abflow/experiment"

// MeterRecorder 以 OTel 计量仪表实现 experiment.Recorder。
// 实验名标签与 Prometheus 收集器遵循同样的基数约束。
//
// 并发安全。
type MeterRecorder struct {
	assignments   metric.Int64Counter
	fallbacks     metric.Int64Counter
	conversions   metric.Int64Counter
	storeErrors   metric.Int64Counter
	storeDuration metric.Float64Histogram
	reports       metric.Int64Counter
}

var _ experiment.Recorder = (*MeterRecorder)(nil)

// NewMeterRecorder 在 provider 上注册全部仪表
func NewMeterRecorder(provider metric.MeterProvider) (*MeterRecorder, error) {
	meter := provider.Meter(meterName, metric.WithInstrumentationVersion(buildVersion()))
	r := &MeterRecorder{}
	var err error

	if r.assignments, err = meter.Int64Counter("abflow.assignments",
		metric.WithDescription("Bound assignments by outcome"),
		metric.WithUnit("{assignment}"),
	); err != nil {
		return nil, fmt.Errorf("create abflow.assignments: %w", err)
	}

	if r.fallbacks, err = meter.Int64Counter("abflow.fallbacks",
		metric.WithDescription("Requests answered with the unbound control variant"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create abflow.fallbacks: %w", err)
	}

	if r.conversions, err = meter.Int64Counter("abflow.conversions",
		metric.WithDescription("Conversion events by outcome"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create abflow.conversions: %w", err)
	}

	if r.storeErrors, err = meter.Int64Counter("abflow.store.errors",
		metric.WithDescription("Experiment store failures"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("create abflow.store.errors: %w", err)
	}

	if r.storeDuration, err = meter.Float64Histogram("abflow.store.duration",
		metric.WithDescription("Experiment store operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return nil, fmt.Errorf("create abflow.store.duration: %w", err)
	}

	if r.reports, err = meter.Int64Counter("abflow.reports",
		metric.WithDescription("Significance reports generated"),
		metric.WithUnit("{report}"),
	); err != nil {
		return nil, fmt.Errorf("create abflow.reports: %w", err)
	}

	return r, nil
}

func (r *MeterRecorder) RecordAssignment(experimentName, variant, outcome string) {
	r.assignments.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("experiment", experimentName),
		attribute.String("variant", variant),
		attribute.String("outcome", outcome),
	))
}

func (r *MeterRecorder) RecordFallback(experimentName, reason string) {
	r.fallbacks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("experiment", experiment.FallbackExperimentLabel(experimentName, reason)),
		attribute.String("reason", reason),
	))
}

func (r *MeterRecorder) RecordConversion(experimentName, variant, outcome string) {
	r.conversions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("experiment", experiment.ConversionExperimentLabel(experimentName, outcome)),
		attribute.String("variant", variant),
		attribute.String("outcome", outcome),
	))
}

func (r *MeterRecorder) RecordStoreError(operation string) {
	r.storeErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (r *MeterRecorder) ObserveStoreOperation(operation string, duration time.Duration) {
	r.storeDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.String("operation", operation)))
}

func (r *MeterRecorder) RecordReport(experimentName string, significant bool) {
	r.reports.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("experiment", experimentName),
		attribute.Bool("significant", significant),
	))
}
