package otel

import (
	"context"
	"testing"
	"time"
)

func TestInitMetrics_record(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordDispatchOp(ctx, "assign", "general", "assigned")
	RecordExecution(ctx, "claude", "completed", 3*time.Second, 0.42)
	RecordPoll(ctx, 10*time.Millisecond)
	RecordSSEEvent(ctx)
}

func TestAddRemoveSSEConnection(t *testing.T) {
	AddSSEConnection()
	AddSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection() // should not go negative
}

func TestInitMetricsWithItemCount(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "itemcount-test")
	err := InitMetricsWithItemCount(ctx, func() map[string]int64 {
		return map[string]int64{"pending": 1, "in_progress": 2}
	})
	if err != nil {
		t.Fatalf("InitMetricsWithItemCount: %v", err)
	}
}

func TestInitMetricsWithItemCount_nilFunc(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "itemcount-nil-test")
	if err := InitMetricsWithItemCount(ctx, nil); err != nil {
		t.Fatalf("InitMetricsWithItemCount(nil): %v", err)
	}
}
