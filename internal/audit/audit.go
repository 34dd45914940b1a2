// Package audit records access decisions made at the gateway: who asked to
// do what to which task, and whether it was allowed.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskd/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

// NoTask marks decisions that are not about a particular task.
const NoTask int64 = -1

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	TaskID    *int64 `json:"task_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes. Pass nil to stop.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. taskID is NoTask when the action is not
// scoped to a task (authentication, creation).
func Record(ctx context.Context, decision, action string, taskID int64, subject, reason string) {
	if decision == Deny {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	var tid *int64
	if taskID >= 0 {
		tid = &taskID
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  decision,
			Action:    action,
			TaskID:    tid,
			Subject:   subject,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		// Detached from the request context so a cancelled request still leaves a row.
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, task_id, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, tid, decision, reason)
	}
}
