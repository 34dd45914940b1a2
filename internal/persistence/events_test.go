package persistence_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
)

func TestStore_AppendAndListTaskEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	zero, one := uint64(0), uint64(1)
	appends := []persistence.TaskEvent{
		{TaskID: &zero, EventType: bus.TopicTaskCreated, Caller: "alice", Payload: `{"title":"a"}`},
		{TaskID: &one, EventType: bus.TopicTaskCreated, Caller: "bob"},
		{TaskID: &zero, EventType: bus.TopicTaskCompleted, Caller: "alice"},
		{EventType: bus.TopicTaskRejected, Caller: "carol"},
	}
	var lastID int64
	for _, ev := range appends {
		id, err := store.AppendTaskEvent(ctx, ev)
		if err != nil {
			t.Fatalf("append %s: %v", ev.EventType, err)
		}
		if id <= lastID {
			t.Fatalf("event ids not increasing: %d after %d", id, lastID)
		}
		lastID = id
	}

	events, err := store.ListTaskEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for task 0, got %d", len(events))
	}
	if events[0].EventType != bus.TopicTaskCreated || events[1].EventType != bus.TopicTaskCompleted {
		t.Fatalf("unexpected order: %+v", events)
	}
	if events[0].Payload != `{"title":"a"}` || events[1].Payload != "{}" {
		t.Fatalf("payloads = %q, %q", events[0].Payload, events[1].Payload)
	}
	if events[0].TaskID == nil || *events[0].TaskID != 0 {
		t.Fatalf("task id not round-tripped: %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be populated")
	}

	empty, err := store.ListTaskEvents(ctx, 99, 10)
	if err != nil {
		t.Fatalf("list unknown: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}

	total, err := store.TotalEventCount(ctx)
	if err != nil || total != 4 {
		t.Fatalf("TotalEventCount = %d, %v; want 4", total, err)
	}
}

func TestStore_AppendRequiresEventType(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.AppendTaskEvent(context.Background(), persistence.TaskEvent{Caller: "alice"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestStore_ListTaskEventsLimit(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := uint64(5)
	for i := 0; i < 5; i++ {
		if _, err := store.AppendTaskEvent(ctx, persistence.TaskEvent{TaskID: &id, EventType: bus.TopicTaskCompleted, Caller: "alice"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := store.ListTaskEvents(ctx, 5, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestStore_JournalRecordsBusEvents(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := store.StartJournal(ctx, nil)

	b.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: 0, Creator: "alice", Title: "Sample Task", Deadline: 1700000000})
	b.Publish(bus.TopicTaskRejected, bus.TaskRejectedEvent{Op: "complete", TaskID: 0, Caller: "bob", Reason: "forbidden", Code: 403})
	b.Publish(bus.TopicTaskRejected, bus.TaskRejectedEvent{Op: "create", Caller: "carol", Reason: "capacity_exceeded", Code: 500})
	b.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: 0, Creator: "alice"})
	b.Publish("other.topic", "ignored")

	// Cancelling flushes everything already buffered before done closes.
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("journal did not stop")
	}

	events, err := store.ListTaskEvents(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for task 0, got %+v", events)
	}
	wantTypes := []string{bus.TopicTaskCreated, bus.TopicTaskRejected, bus.TopicTaskCompleted}
	wantCallers := []string{"alice", "bob", "alice"}
	for i, ev := range events {
		if ev.EventType != wantTypes[i] || ev.Caller != wantCallers[i] {
			t.Fatalf("event %d = %s/%s, want %s/%s", i, ev.EventType, ev.Caller, wantTypes[i], wantCallers[i])
		}
	}
	var created bus.TaskCreatedEvent
	if err := json.Unmarshal([]byte(events[0].Payload), &created); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if created.Title != "Sample Task" || created.Deadline != 1700000000 {
		t.Fatalf("payload = %+v", created)
	}

	total, _ := store.TotalEventCount(context.Background())
	if total != 4 {
		t.Fatalf("expected 4 journal rows including the id-less rejection, got %d", total)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("journal subscription leaked: %d", b.SubscriberCount())
	}
}

func TestStore_JournalKeepsUnknownIDRefusalsOutOfTaskHistory(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := store.StartJournal(ctx, nil)

	reg := registry.New(registry.Config{Bus: b})
	if err := reg.CompleteTask(0, "mallory"); err == nil {
		t.Fatal("expected completing a missing task to fail")
	}
	id, err := reg.CreateTask("Sample Task", nil, 1700000000, "alice")
	if err != nil || id != 0 {
		t.Fatalf("CreateTask = (%d, %v), want (0, nil)", id, err)
	}
	if err := reg.CompleteTask(0, "bob"); err == nil {
		t.Fatal("expected non-owner completion to fail")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("journal did not stop")
	}

	events, err := store.ListTaskEvents(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected created + forbidden refusal for task 0, got %+v", events)
	}
	if events[0].EventType != bus.TopicTaskCreated || events[0].Caller != "alice" {
		t.Fatalf("task 0 history must start with its creation, got %s by %s", events[0].EventType, events[0].Caller)
	}
	if events[1].EventType != bus.TopicTaskRejected || events[1].Caller != "bob" {
		t.Fatalf("event 1 = %s by %s, want task.rejected by bob", events[1].EventType, events[1].Caller)
	}

	total, _ := store.TotalEventCount(context.Background())
	if total != 3 {
		t.Fatalf("expected the unknown-id refusal to be journaled without a task id, got %d rows", total)
	}
}

func TestStore_JournalWithoutBus(t *testing.T) {
	store, _ := openTestStore(t)
	select {
	case <-store.StartJournal(context.Background(), nil):
	case <-time.After(time.Second):
		t.Fatal("expected closed channel without a bus")
	}
}
