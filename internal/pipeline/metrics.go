package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeDegraded  outcome = "degraded"
	outcomeFailed    outcome = "failed"
	outcomeAbandoned outcome = "abandoned"
)

type metrics struct {
	submittedCounter metric.Int64Counter
	outcomeCounter   metric.Int64Counter
	stageDuration    metric.Float64Histogram
	inflightGauge    metric.Int64ObservableGauge
	inflight         atomic.Int64
}

// newMetrics always returns a usable value; instruments that failed to register stay nil.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error
	m.submittedCounter, err = meter.Int64Counter("kani.sessions.submitted",
		metric.WithDescription("Sessions accepted for processing"))
	if err != nil {
		return m, err
	}
	m.outcomeCounter, err = meter.Int64Counter("kani.sessions.outcomes",
		metric.WithDescription("Pipeline runs by terminal outcome"))
	if err != nil {
		return m, err
	}
	m.stageDuration, err = meter.Float64Histogram("kani.pipeline.stage.duration",
		metric.WithDescription("Latency of transcription and extraction calls"),
		metric.WithUnit("s"))
	if err != nil {
		return m, err
	}
	m.inflightGauge, err = meter.Int64ObservableGauge("kani.pipeline.inflight",
		metric.WithDescription("Pipeline runs currently executing"))
	if err != nil {
		return m, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(m.inflightGauge, m.inflight.Load())
		return nil
	}, m.inflightGauge)
	return m, err
}

func (m *metrics) submitted(ctx context.Context) {
	if m == nil || m.submittedCounter == nil {
		return
	}
	m.submittedCounter.Add(ctx, 1)
}

func (m *metrics) outcome(ctx context.Context, o outcome) {
	if m == nil || m.outcomeCounter == nil {
		return
	}
	m.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}

func (m *metrics) stageDone(ctx context.Context, s stage, d time.Duration, err error) {
	if m == nil || m.stageDuration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(s)),
		attribute.String("result", result)))
}

func (m *metrics) started() {
	if m != nil {
		m.inflight.Add(1)
	}
}

func (m *metrics) finished() {
	if m != nil {
		m.inflight.Add(-1)
	}
}
