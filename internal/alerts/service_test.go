package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

func drainOne(t *testing.T, sub *bus.Subscription, timeout time.Duration) models.Event {
	t.Helper()
	select {
	case e := <-sub.Events:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for alert event")
		return models.Event{}
	}
}

func TestService_RunErrorEmitsAlert(t *testing.T) {
	b := bus.New()
	svc := New(b, nil, Config{}, nil)

	sub := b.Subscribe(func(e models.Event) bool { return e.Kind == models.EventKindAlert })
	defer sub.Close()

	svc.handleRunEvent(models.NewEvent(models.EventRunError, models.EventKindLifecycle, "run-1", "alice", map[string]any{"error": "boom"}))

	e := drainOne(t, sub, time.Second)
	kind, _ := e.Get("kind")
	if kind != "run_error" {
		t.Fatalf("expected run_error alert, got %v", kind)
	}
	count, _ := e.Get("count")
	if count != 1 {
		t.Fatalf("expected count 1, got %v", count)
	}
}

func TestService_DedupWithinWindowIncrementsCount(t *testing.T) {
	b := bus.New()
	svc := New(b, nil, Config{DedupWindow: time.Minute}, nil)

	sub := b.Subscribe(func(e models.Event) bool { return e.Kind == models.EventKindAlert })
	defer sub.Close()

	svc.handleRunEvent(models.NewEvent(models.EventRunError, models.EventKindLifecycle, "run-1", "alice", nil))
	svc.handleRunEvent(models.NewEvent(models.EventRunError, models.EventKindLifecycle, "run-2", "alice", nil))

	first := drainOne(t, sub, time.Second)
	second := drainOne(t, sub, time.Second)

	c1, _ := first.Get("count")
	c2, _ := second.Get("count")
	if c1 != 1 || c2 != 2 {
		t.Fatalf("expected counts 1 then 2, got %v then %v", c1, c2)
	}
}

func TestService_CancelRateThresholdTrips(t *testing.T) {
	b := bus.New()
	svc := New(b, nil, Config{CancelRateThreshold: 3, DedupWindow: time.Minute}, nil)

	sub := b.Subscribe(func(e models.Event) bool { return e.Kind == models.EventKindAlert })
	defer sub.Close()

	for i := 0; i < 2; i++ {
		svc.handleRunEvent(models.NewEvent(models.EventRunCancelled, models.EventKindLifecycle, "", "alice", nil))
	}
	select {
	case e := <-sub.Events:
		t.Fatalf("expected no alert below threshold, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	svc.handleRunEvent(models.NewEvent(models.EventRunCancelled, models.EventKindLifecycle, "", "alice", nil))
	e := drainOne(t, sub, time.Second)
	kind, _ := e.Get("kind")
	if kind != "run_cancelled_rate" {
		t.Fatalf("expected run_cancelled_rate alert, got %v", kind)
	}
}

func TestService_CircuitStateChangeOnlyAlertsOnOpen(t *testing.T) {
	b := bus.New()
	svc := New(b, nil, Config{}, nil)

	sub := b.Subscribe(func(e models.Event) bool { return e.Kind == models.EventKindAlert })
	defer sub.Close()

	cb := svc.CircuitStateChange("anthropic")
	cb("closed", "half_open")
	select {
	case e := <-sub.Events:
		t.Fatalf("expected no alert on non-open transition, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	cb("half_open", "open")
	e := drainOne(t, sub, time.Second)
	kind, _ := e.Get("kind")
	if kind != "circuit_open" {
		t.Fatalf("expected circuit_open alert, got %v", kind)
	}
}

func TestService_RunPollsStaleNodesUntilCancelled(t *testing.T) {
	b := bus.New()
	svc := New(b, nil, Config{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := svc.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
