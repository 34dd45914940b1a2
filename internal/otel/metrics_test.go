package otel

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskd/internal/bus"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.TasksCreated == nil || m.TasksCompleted == nil ||
		m.TasksRejected == nil || m.TasksOverdue == nil || m.RateLimitRejects == nil {
		t.Fatalf("nil instrument in %+v", m)
	}
}

func TestMetrics_ObserveCountsBusEvents(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe("task.")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Observe(ctx, sub)
		close(done)
	}()

	b.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: 0, Creator: "alice"})
	b.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: 1, Creator: "alice"})
	b.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: 0, Creator: "alice"})
	b.Publish(bus.TopicTaskRejected, bus.TaskRejectedEvent{Op: "complete", TaskID: 1, Caller: "bob", Reason: "forbidden", Code: 403})
	b.Publish(bus.TopicTaskOverdue, bus.TaskOverdueEvent{TaskID: 1})

	want := map[string]int64{
		"taskd.tasks.created":   2,
		"taskd.tasks.completed": 1,
		"taskd.tasks.rejected":  1,
		"taskd.tasks.overdue":   1,
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := p.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		matched := true
		for name, v := range want {
			if snap[name] != v {
				matched = false
			}
		}
		if matched {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot = %v, want %v", snap, want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestMetrics_ObserveStopsOnUnsubscribe(t *testing.T) {
	m, err := NewMetrics(mustInit(t).Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b := bus.New()
	sub := b.Subscribe("task.")
	done := make(chan struct{})
	go func() {
		m.Observe(context.Background(), sub)
		close(done)
	}()
	b.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not return after unsubscribe")
	}
}

func mustInit(t *testing.T) *Provider {
	t.Helper()
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}
