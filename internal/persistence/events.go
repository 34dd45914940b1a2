package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskd/internal/bus"
)

// journalBuffer is the bus subscription size for the journal consumer.
const journalBuffer = 1024

// TaskEvent is one journal row. TaskID is nil for events that never got an
// id, such as a create refused at capacity.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    *uint64   `json:"task_id,omitempty"`
	EventType string    `json:"event_type"`
	Caller    string    `json:"caller"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendTaskEvent inserts ev and returns its event id. EventID and
// CreatedAt on ev are ignored.
func (s *Store) AppendTaskEvent(ctx context.Context, ev TaskEvent) (int64, error) {
	if ev.EventType == "" {
		return 0, fmt.Errorf("append task event: event type required")
	}
	payload := ev.Payload
	if payload == "" {
		payload = "{}"
	}
	var taskID sql.NullInt64
	if ev.TaskID != nil {
		taskID = sql.NullInt64{Int64: int64(*ev.TaskID), Valid: true}
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, event_type, caller, payload_json, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, ev.EventType, ev.Caller, payload)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert task_event: %w", err)
	}
	return id, nil
}

// ListTaskEvents returns the journal for one task in event order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID uint64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, caller, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, int64(taskID), limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	out := []TaskEvent{}
	for rows.Next() {
		var (
			event  TaskEvent
			taskID sql.NullInt64
		)
		if err := rows.Scan(
			&event.EventID,
			&taskID,
			&event.EventType,
			&event.Caller,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if taskID.Valid {
			id := uint64(taskID.Int64)
			event.TaskID = &id
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// StartJournal subscribes to task events on the store's bus and appends
// each one to task_events. The subscription is taken before StartJournal
// returns, so events published afterwards are not missed. When ctx is
// cancelled the subscription is closed, buffered events are flushed, and
// the returned channel is closed.
func (s *Store) StartJournal(ctx context.Context, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if s.bus == nil {
		close(done)
		return done
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub := s.bus.SubscribeBuffered("task.", journalBuffer)

	go func() {
		defer close(done)
		go func() {
			<-ctx.Done()
			s.bus.Unsubscribe(sub)
		}()
		for ev := range sub.Ch() {
			row, ok := journalRow(ev)
			if !ok {
				continue
			}
			// Writes outlive ctx so the shutdown flush still lands.
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.AppendTaskEvent(writeCtx, row); err != nil {
				logger.Error("journal append failed", "event_type", row.EventType, "error", err)
			}
			cancel()
		}
	}()
	return done
}

func journalRow(ev bus.Event) (TaskEvent, bool) {
	var caller string
	switch p := ev.Payload.(type) {
	case bus.TaskCreatedEvent:
		caller = p.Creator
	case bus.TaskCompletedEvent:
		caller = p.Creator
	case bus.TaskRejectedEvent:
		caller = p.Caller
	case bus.TaskOverdueEvent:
		caller = p.Creator
	default:
		return TaskEvent{}, false
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return TaskEvent{}, false
	}
	row := TaskEvent{EventType: ev.Topic, Caller: caller, Payload: string(payload)}
	if id, ok := bus.TaskIDOf(ev.Payload); ok {
		row.TaskID = &id
	}
	return row, true
}
