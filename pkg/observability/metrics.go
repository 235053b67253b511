// Package observability holds the platform's metric instruments and
// adapters feeding them from the processing pipeline.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the platform.
type Metrics struct {
	// Command metrics
	CommandsAccepted  metric.Int64Counter
	CommandsSucceeded metric.Int64Counter
	CommandsFailed    metric.Int64Counter
	CommandsRetried   metric.Int64Counter
	CommandsParked    metric.Int64Counter
	CommandDuration   metric.Float64Histogram

	// Outbox relay metrics
	OutboxPublished metric.Int64Counter
	OutboxFailures  metric.Int64Counter
	OutboxRecovered metric.Int64Counter
	OutboxSweep     metric.Float64Histogram

	// Process metrics
	ProcessesStarted      metric.Int64Counter
	ProcessesCompleted    metric.Int64Counter
	ProcessesCompensating metric.Int64Counter
	ProcessesFailed       metric.Int64Counter

	// Lease sweeper metrics
	LeasesExpired metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandsAccepted, err = meter.Int64Counter(
		"reliable.commands.accepted",
		metric.WithDescription("Total commands accepted by the bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.accepted: %w", err)
	}

	m.CommandsSucceeded, err = meter.Int64Counter(
		"reliable.commands.succeeded",
		metric.WithDescription("Total commands that completed successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.succeeded: %w", err)
	}

	m.CommandsFailed, err = meter.Int64Counter(
		"reliable.commands.failed",
		metric.WithDescription("Total commands that failed permanently"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.failed: %w", err)
	}

	m.CommandsRetried, err = meter.Int64Counter(
		"reliable.commands.retried",
		metric.WithDescription("Total transient failures sent back for redelivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.retried: %w", err)
	}

	m.CommandsParked, err = meter.Int64Counter(
		"reliable.commands.parked",
		metric.WithDescription("Total commands parked on the dead-letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating commands.parked: %w", err)
	}

	m.CommandDuration, err = meter.Float64Histogram(
		"reliable.command.duration",
		metric.WithDescription("Command handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.OutboxPublished, err = meter.Int64Counter(
		"reliable.outbox.published",
		metric.WithDescription("Total outbox entries published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.published: %w", err)
	}

	m.OutboxFailures, err = meter.Int64Counter(
		"reliable.outbox.failures",
		metric.WithDescription("Total outbox publish failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.failures: %w", err)
	}

	m.OutboxRecovered, err = meter.Int64Counter(
		"reliable.outbox.recovered",
		metric.WithDescription("Total stuck outbox entries returned to the pool"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.recovered: %w", err)
	}

	m.OutboxSweep, err = meter.Float64Histogram(
		"reliable.outbox.sweep.duration",
		metric.WithDescription("Outbox relay sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.sweep.duration: %w", err)
	}

	m.ProcessesStarted, err = meter.Int64Counter(
		"reliable.processes.started",
		metric.WithDescription("Total process instances initiated"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processes.started: %w", err)
	}

	m.ProcessesCompleted, err = meter.Int64Counter(
		"reliable.processes.completed",
		metric.WithDescription("Total process instances completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processes.completed: %w", err)
	}

	m.ProcessesCompensating, err = meter.Int64Counter(
		"reliable.processes.compensating",
		metric.WithDescription("Total process instances that entered compensation"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processes.compensating: %w", err)
	}

	m.ProcessesFailed, err = meter.Int64Counter(
		"reliable.processes.failed",
		metric.WithDescription("Total process instances that failed after compensation"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processes.failed: %w", err)
	}

	m.LeasesExpired, err = meter.Int64Counter(
		"reliable.leases.expired",
		metric.WithDescription("Total commands timed out by the lease sweeper"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating leases.expired: %w", err)
	}

	return m, nil
}

// RecordCommand records one command execution outcome.
func (m *Metrics) RecordCommand(ctx context.Context, name string, duration time.Duration, err error) {
	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("command", name),
		attribute.Bool("error", err != nil),
	))
}

// RelayMetrics adapts Metrics to the outbox relay's metrics contract.
type RelayMetrics struct {
	m *Metrics
}

// NewRelayMetrics wraps Metrics for the relay.
func NewRelayMetrics(m *Metrics) *RelayMetrics {
	return &RelayMetrics{m: m}
}

func (r *RelayMetrics) AddPublished(n int) {
	r.m.OutboxPublished.Add(context.Background(), int64(n))
}

func (r *RelayMetrics) AddFailures(n int) {
	r.m.OutboxFailures.Add(context.Background(), int64(n))
}

func (r *RelayMetrics) AddRecovered(n int) {
	r.m.OutboxRecovered.Add(context.Background(), int64(n))
}

func (r *RelayMetrics) ObserveSweep(d time.Duration) {
	r.m.OutboxSweep.Record(context.Background(), d.Seconds())
}
