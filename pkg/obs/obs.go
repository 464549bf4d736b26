// Package obs exposes the engine's RED metrics (Rate, Errors, Duration)
// over the OpenTelemetry metrics API. Export wiring (OTLP, Prometheus, or
// otherwise) is the host binary's concern; this package only registers
// instruments against whatever MeterProvider is installed globally.
package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the instrument handles the engine records against on
// every guarded invocation, plus a tracer handle for the decision/execute
// span. No exporter is configured here; a host binary that installs its
// own TracerProvider gets these spans for free.
type Metrics struct {
	tracer      trace.Tracer
	requests    metric.Int64Counter
	denials     metric.Int64Counter
	decisionLat metric.Float64Histogram
}

// New registers the engine's instruments against the global
// MeterProvider under the "sudo-agent" instrumentation scope.
func New() (*Metrics, error) {
	meter := otel.Meter("sudo-agent")
	tracer := otel.Tracer("sudo-agent")

	requests, err := meter.Int64Counter("sudo_agent.requests.total",
		metric.WithDescription("Total guarded invocations processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: requests counter: %w", err)
	}

	denials, err := meter.Int64Counter("sudo_agent.denials.total",
		metric.WithDescription("Total invocations denied, by reason_code"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: denials counter: %w", err)
	}

	decisionLat, err := meter.Float64Histogram("sudo_agent.decision_to_execute.duration",
		metric.WithDescription("Time from decision write to execute completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: decision latency histogram: %w", err)
	}

	return &Metrics{tracer: tracer, requests: requests, denials: denials, decisionLat: decisionLat}, nil
}

// StartSpan opens a span named after the guarded action, covering the
// decision-to-execute boundary. The caller must call the returned span's
// End method.
func (m *Metrics) StartSpan(ctx context.Context, action string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, action)
}

// RecordRequest increments the total-invocations counter for action.
func (m *Metrics) RecordRequest(ctx context.Context, action string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordDenial increments the denial counter under the given reason code.
func (m *Metrics) RecordDenial(ctx context.Context, action, reasonCode string) {
	m.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("reason_code", reasonCode),
	))
}

// RecordDecisionToExecute records the wall-clock span between a decision
// being durably written and the guarded call returning.
func (m *Metrics) RecordDecisionToExecute(ctx context.Context, action string, d time.Duration) {
	m.decisionLat.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("action", action)))
}
