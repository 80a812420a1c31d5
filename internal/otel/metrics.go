package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	dispatchOpsCounter  metric.Int64Counter
	executionsCounter   metric.Int64Counter
	executionDuration   metric.Float64Histogram
	pollDuration        metric.Float64Histogram
	costCounter         metric.Float64Counter
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		dispatchOpsCounter, err = m.Int64Counter("cloudcode_dispatch_operations_total", metric.WithDescription("Total dispatch operations (assign, retry, handoff, escalate, etc.)"))
		if err != nil {
			return
		}
		executionsCounter, err = m.Int64Counter("cloudcode_executions_total", metric.WithDescription("Total execution attempts by outcome"))
		if err != nil {
			return
		}
		executionDuration, err = m.Float64Histogram("cloudcode_execution_duration_seconds", metric.WithDescription("Execution attempt duration in seconds"))
		if err != nil {
			return
		}
		pollDuration, err = m.Float64Histogram("cloudcode_poll_duration_seconds", metric.WithDescription("Reporting-channel poll duration in seconds"))
		if err != nil {
			return
		}
		costCounter, err = m.Float64Counter("cloudcode_cost_usd_total", metric.WithDescription("Accumulated tool spend in USD"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("cloudcode_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("cloudcode_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordDispatchOp records a dispatcher state-machine operation.
func RecordDispatchOp(ctx context.Context, op, class, status string) {
	if dispatchOpsCounter == nil {
		return
	}
	dispatchOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOutcome.String(op),
		AttrClass.String(class),
		AttrStatus.String(status),
	))
}

// RecordExecution records one finished execution attempt.
func RecordExecution(ctx context.Context, tool, outcome string, duration time.Duration, costUSD float64) {
	if executionsCounter != nil {
		executionsCounter.Add(ctx, 1, metric.WithAttributes(AttrTool.String(tool), AttrOutcome.String(outcome)))
	}
	if executionDuration != nil {
		executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrTool.String(tool)))
	}
	if costCounter != nil && costUSD > 0 {
		costCounter.Add(ctx, costUSD, metric.WithAttributes(AttrTool.String(tool)))
	}
}

// RecordPoll records one reporting-channel poll.
func RecordPoll(ctx context.Context, duration time.Duration) {
	if pollDuration != nil {
		pollDuration.Record(ctx, duration.Seconds())
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// ItemCountFunc returns per-status work-item counts for the items gauge.
type ItemCountFunc func() map[string]int64

// InitMetricsWithItemCount creates instruments and registers a callback for
// the per-status item gauge. If itemCount is nil, the gauge is not reported.
func InitMetricsWithItemCount(ctx context.Context, itemCount ItemCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if itemCount == nil {
		return nil
	}
	m := Meter()
	itemsGauge, err := m.Float64ObservableGauge("cloudcode_work_items_total", metric.WithDescription("Number of work items by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for status, n := range itemCount() {
			o.ObserveFloat64(itemsGauge, float64(n), metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, itemsGauge)
	return err
}
