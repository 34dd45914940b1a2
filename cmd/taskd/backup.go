package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
)

// runBackupCommand snapshots the event journal with VACUUM INTO. It is safe
// to run while the daemon is up.
func runBackupCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskd backup <path>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if !cfg.JournalEnabled() {
		fmt.Fprintln(os.Stderr, "backup: event journal is disabled (db_path: off)")
		return 1
	}
	dest, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.JournalPath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: open journal: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "journal backed up to %s\n", dest)
	return 0
}
