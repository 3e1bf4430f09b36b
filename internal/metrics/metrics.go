// Package metrics exposes automation engine counters through an
// OpenTelemetry meter provider backed by a Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/maxkimambo/taskflow"

// Attribute keys shared by the instruments
var (
	AttrEvent   = attribute.Key("event")
	AttrHandler = attribute.Key("handler")
	AttrAction  = attribute.Key("action")
	AttrOutcome = attribute.Key("outcome")
)

var (
	initOnce           sync.Once
	eventsPublished    metric.Int64Counter
	handlerFailures    metric.Int64Counter
	tasksEnabled       metric.Int64Counter
	ruleActions        metric.Int64Counter
	enableBatchSeconds metric.Float64Histogram
)

// InitMeterProvider installs a global MeterProvider exporting to a private
// Prometheus registry and returns the handler serving it.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "taskflow"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global meter for the engine
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// InitInstruments creates the instruments. Safe to call multiple times; only
// the first call has any effect. Call after InitMeterProvider.
func InitInstruments(ctx context.Context) error {
	var err error
	initOnce.Do(func() {
		m := Meter()
		eventsPublished, err = m.Int64Counter("taskflow_events_published_total",
			metric.WithDescription("Lifecycle events published on the bus"))
		if err != nil {
			return
		}
		handlerFailures, err = m.Int64Counter("taskflow_handler_failures_total",
			metric.WithDescription("Subscriber invocations that returned an error or panicked"))
		if err != nil {
			return
		}
		tasksEnabled, err = m.Int64Counter("taskflow_tasks_enabled_total",
			metric.WithDescription("Task instances unlocked by the dependency enabler"))
		if err != nil {
			return
		}
		ruleActions, err = m.Int64Counter("taskflow_rule_actions_total",
			metric.WithDescription("Workflow rule actions by action and outcome"))
		if err != nil {
			return
		}
		enableBatchSeconds, err = m.Float64Histogram("taskflow_enable_batch_duration_seconds",
			metric.WithDescription("Duration of one batch enable fan-out"))
	})
	return err
}

// RecordEventPublished counts one published event
func RecordEventPublished(ctx context.Context, event string) {
	if eventsPublished == nil {
		return
	}
	eventsPublished.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(event)))
}

// RecordHandlerFailure counts one failed subscriber invocation
func RecordHandlerFailure(ctx context.Context, handler string) {
	if handlerFailures == nil {
		return
	}
	handlerFailures.Add(ctx, 1, metric.WithAttributes(AttrHandler.String(handler)))
}

// RecordTasksEnabled counts instances unlocked in one batch and its duration
func RecordTasksEnabled(ctx context.Context, count int, seconds float64) {
	if tasksEnabled != nil && count > 0 {
		tasksEnabled.Add(ctx, int64(count))
	}
	if enableBatchSeconds != nil {
		enableBatchSeconds.Record(ctx, seconds)
	}
}

// RecordRuleAction counts one rule action outcome (applied, noop, failed, skipped)
func RecordRuleAction(ctx context.Context, action, outcome string) {
	if ruleActions == nil {
		return
	}
	ruleActions.Add(ctx, 1, metric.WithAttributes(
		AttrAction.String(action),
		AttrOutcome.String(outcome),
	))
}
