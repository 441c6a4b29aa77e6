package runtime

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BDNK1/flowbase/runtime"

// telemetry bundles the tracer and the instruments the executor records to.
type telemetry struct {
	tracer   trace.Tracer
	runs     metric.Int64Counter
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	routed   metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	meter := mp.Meter(instrumentationName)

	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	t.runs = int64Counter(meter, "flowbase.workflow.runs", "Workflow runs by outcome")
	t.attempts = int64Counter(meter, "flowbase.step.attempts", "Step attempts by step kind and outcome")
	t.retries = int64Counter(meter, "flowbase.step.retries", "Step attempts that were retries")
	t.routed = int64Counter(meter, "flowbase.step.routed", "Failures routed to an onError sequence")
	return t
}

// int64Counter falls back to a no-op instrument; counters are best effort
// and must never fail a run.
func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil || c == nil {
		return noop.Int64Counter{}
	}
	return c
}
