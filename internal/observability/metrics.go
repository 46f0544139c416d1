// Package observability records orchestrator metrics with OpenTelemetry.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/rendis/orchestra"

// MetricsConfig enables the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool
}

// Metrics holds the orchestrator instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	executionDuration  metric.Float64Histogram
	activeExecutions   metric.Int64UpDownCounter
	capacityRejections metric.Int64Counter

	stepDuration metric.Float64Histogram
	stepRetries  metric.Int64Counter

	poolAgents metric.Int64UpDownCounter
	handoffs   metric.Int64Counter
	messages   metric.Int64Counter
}

// InitMetrics builds instruments backed by a Prometheus exporter. When metrics
// are disabled the instruments come from a noop meter.
func InitMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return NewMetrics(noop.NewMeterProvider().Meter(meterName))
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	m, err := NewMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	return m, nil
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.executionsStarted, err = meter.Int64Counter(
		"orchestra_executions_started_total",
		metric.WithDescription("Workflow executions started"),
	); err != nil {
		return nil, fmt.Errorf("failed to create executions started counter: %w", err)
	}

	if m.executionsFinished, err = meter.Int64Counter(
		"orchestra_executions_finished_total",
		metric.WithDescription("Workflow executions finished, by final status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create executions finished counter: %w", err)
	}

	if m.executionDuration, err = meter.Float64Histogram(
		"orchestra_execution_duration_seconds",
		metric.WithDescription("Workflow execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create execution duration histogram: %w", err)
	}

	if m.activeExecutions, err = meter.Int64UpDownCounter(
		"orchestra_active_executions",
		metric.WithDescription("Executions currently in the active table"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active executions gauge: %w", err)
	}

	if m.capacityRejections, err = meter.Int64Counter(
		"orchestra_capacity_rejections_total",
		metric.WithDescription("Executions rejected because the concurrency ceiling was reached"),
	); err != nil {
		return nil, fmt.Errorf("failed to create capacity rejections counter: %w", err)
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"orchestra_step_duration_seconds",
		metric.WithDescription("Step duration in seconds, by agent and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	if m.stepRetries, err = meter.Int64Counter(
		"orchestra_step_retries_total",
		metric.WithDescription("Step re-dispatches after a failed attempt"),
	); err != nil {
		return nil, fmt.Errorf("failed to create step retries counter: %w", err)
	}

	if m.poolAgents, err = meter.Int64UpDownCounter(
		"orchestra_pool_agents",
		metric.WithDescription("Agents currently held in the agent pool"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pool agents gauge: %w", err)
	}

	if m.handoffs, err = meter.Int64Counter(
		"orchestra_handoffs_total",
		metric.WithDescription("Audited agent handoffs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create handoffs counter: %w", err)
	}

	if m.messages, err = meter.Int64Counter(
		"orchestra_agent_messages_total",
		metric.WithDescription("Inter-agent messages sent"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent messages counter: %w", err)
	}

	return &m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider, if any.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) ExecutionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1)
	m.activeExecutions.Add(ctx, 1)
}

func (m *Metrics) ExecutionFinished(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.executionsFinished.Add(ctx, 1, attrs)
	m.executionDuration.Record(ctx, duration.Seconds(), attrs)
	m.activeExecutions.Add(ctx, -1)
}

func (m *Metrics) CapacityRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.capacityRejections.Add(ctx, 1)
}

func (m *Metrics) StepFinished(ctx context.Context, agentID string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.Bool("success", success),
	))
}

func (m *Metrics) StepRetried(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (m *Metrics) PoolChanged(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.poolAgents.Add(ctx, delta)
}

func (m *Metrics) HandoffRecorded(ctx context.Context) {
	if m == nil {
		return
	}
	m.handoffs.Add(ctx, 1)
}

func (m *Metrics) MessageSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1)
}
