package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskd/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskd.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "task_events", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.AppendTaskEvent(context.Background(), persistence.TaskEvent{EventType: "task.created", Caller: "alice"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.TotalEventCount(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("TotalEventCount = %d, %v; want 1", n, err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskd.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := uint64(3)
	if _, err := store.AppendTaskEvent(ctx, persistence.TaskEvent{TaskID: &id, EventType: "task.created", Caller: "alice"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	backupStore, err := persistence.Open(backupPath, nil)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backupStore.Close()

	events, err := backupStore.ListTaskEvents(ctx, 3, 0)
	if err != nil {
		t.Fatalf("list events in backup: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event in backup, got %d", len(events))
	}

	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
	if err := store.Backup(ctx, ""); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.AppendTaskEvent(ctx, persistence.TaskEvent{EventType: "task.created", Caller: "alice"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.DB().Exec(`INSERT INTO audit_log (action, decision) VALUES ('task.complete', 'deny');`); err != nil {
		t.Fatalf("insert audit row: %v", err)
	}

	result, err := store.RunRetention(ctx, 0, 0)
	if err != nil {
		t.Fatalf("retention (keep forever): %v", err)
	}
	if result.PurgedTaskEvents != 0 || result.PurgedAuditLogs != 0 {
		t.Fatalf("expected 0 purged with 0 retention, got %+v", result)
	}

	result, err = store.RunRetention(ctx, 1, 1)
	if err != nil {
		t.Fatalf("retention (1 day): %v", err)
	}
	if result.PurgedTaskEvents != 0 || result.PurgedAuditLogs != 0 {
		t.Fatalf("expected 0 purged (records are recent), got %+v", result)
	}

	if _, err := store.DB().Exec(`UPDATE task_events SET created_at = datetime('now', '-10 days') WHERE event_id <= 2;`); err != nil {
		t.Fatalf("backdate events: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE audit_log SET created_at = datetime('now', '-10 days');`); err != nil {
		t.Fatalf("backdate audit: %v", err)
	}
	result, err = store.RunRetention(ctx, 7, 7)
	if err != nil {
		t.Fatalf("retention (7 days): %v", err)
	}
	if result.PurgedTaskEvents != 2 || result.PurgedAuditLogs != 1 {
		t.Fatalf("expected 2 events and 1 audit row purged, got %+v", result)
	}
	n, _ := store.TotalEventCount(ctx)
	if n != 1 {
		t.Fatalf("expected 1 surviving event, got %d", n)
	}
}
