// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// RunMetrics tracks run lifecycle and error counters.
type RunMetrics struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	tickDuration  metric.Float64Histogram
	errorsTotal   metric.Int64Counter
	approvalsOpen metric.Int64UpDownCounter
}

// NewRunMetrics registers the control-plane instruments.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("helmsman/run")

	started, err := meter.Int64Counter("helmsman.runs.started",
		metric.WithDescription("Runs opened"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("helmsman.runs.finished",
		metric.WithDescription("Runs reaching a terminal state, by outcome"))
	if err != nil {
		return nil, err
	}
	tick, err := meter.Float64Histogram("helmsman.run.tick_seconds",
		metric.WithDescription("Tick duration in seconds"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("helmsman.errors.total",
		metric.WithDescription("Typed errors by code and component"))
	if err != nil {
		return nil, err
	}
	approvals, err := meter.Int64UpDownCounter("helmsman.approvals.open",
		metric.WithDescription("Approval requests currently pending"))
	if err != nil {
		return nil, err
	}
	return &RunMetrics{
		runsStarted:   started,
		runsFinished:  finished,
		tickDuration:  tick,
		errorsTotal:   errs,
		approvalsOpen: approvals,
	}, nil
}

// RunStarted counts an opened run.
func (m *RunMetrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
}

// RunFinished counts a terminal run by outcome.
func (m *RunMetrics) RunFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// TickObserved records the duration of one tick.
func (m *RunMetrics) TickObserved(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Record(ctx, elapsed.Seconds())
}

// ErrorObserved counts a typed error for a component.
func (m *RunMetrics) ErrorObserved(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(errors.CodeOf(err))),
		attribute.String("component", component),
	))
}

// ApprovalOpened tracks one pending approval.
func (m *RunMetrics) ApprovalOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.approvalsOpen.Add(ctx, 1)
}

// ApprovalClosed tracks an approval leaving the pending set.
func (m *RunMetrics) ApprovalClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.approvalsOpen.Add(ctx, -1)
}
