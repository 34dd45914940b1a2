// Package doctor runs offline diagnostics against a taskd home directory.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/cron"
	"github.com/basket/taskd/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkJournal,
		checkPermissions,
		checkSchedules,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; running on defaults",
			Detail: "Run `taskd init` to write one"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path),
		Detail: "fingerprint=" + cfg.Fingerprint()}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Auth.Enabled {
		return CheckResult{Name: "Auth", Status: StatusWarn, Message: "Authentication disabled; callers self-declare via X-Principal"}
	}
	if len(cfg.Auth.Keys) > 0 {
		principals := make(map[string]struct{}, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			principals[k.Principal] = struct{}{}
		}
		return CheckResult{Name: "Auth", Status: StatusPass,
			Message: fmt.Sprintf("%d key(s) for %d principal(s)", len(cfg.Auth.Keys), len(principals))}
	}
	if os.Getenv("TASKD_AUTH_TOKEN") != "" {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Operator key from TASKD_AUTH_TOKEN"}
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, "auth.token")); err == nil {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Operator key from auth.token"}
	}
	return CheckResult{Name: "Auth", Status: StatusWarn, Message: "No keys configured; auth.token will be generated on first start"}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.JournalEnabled() {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Event journal disabled (db_path: off)"}
	}

	store, err := persistence.Open(cfg.JournalPath(), nil)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	var integrity string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: "Integrity check reported problems", Detail: integrity}
	}
	n, err := store.TotalEventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Journal", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d event(s)", n),
		Detail: cfg.JournalPath()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	if info, err := os.Stat(filepath.Join(cfg.HomeDir, "auth.token")); err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Permissions", Status: StatusWarn, Message: "auth.token is readable by other users",
			Detail: fmt.Sprintf("mode=%v; run chmod 600", info.Mode().Perm())}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	var details []string
	for _, s := range []struct{ name, spec string }{
		{"overdue", cfg.Overdue.Schedule},
		{"retention", cfg.Retention.Schedule},
	} {
		next, err := cron.NextRun(s.spec, time.Now())
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail,
				Message: fmt.Sprintf("Invalid %s schedule %q", s.name, s.spec), Detail: err.Error()}
		}
		details = append(details, fmt.Sprintf("%s next=%s", s.name, next.UTC().Format(time.RFC3339)))
	}
	status, msg := StatusPass, "Schedules parse"
	if !cfg.Overdue.Enabled {
		status, msg = StatusWarn, "Overdue sweep disabled"
	}
	return CheckResult{Name: "Schedules", Status: status, Message: msg, Detail: strings.Join(details, ", ")}
}

// checkBindAddr reports whether the daemon can listen. An address already
// in use usually means taskd is running.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err == nil {
		ln.Close()
		return CheckResult{Name: "Network", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return CheckResult{Name: "Network", Status: StatusWarn, Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
			Detail: "A taskd daemon may already be running; check with `taskd status`"}
	}
	return CheckResult{Name: "Network", Status: StatusFail, Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
}
