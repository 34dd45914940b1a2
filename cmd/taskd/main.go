package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/cron"
	"github.com/basket/taskd/internal/gateway"
	otelPkg "github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
	"github.com/basket/taskd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the task service (logs to stdout)
  %s -quiet                   Start with file-only logging

SUBCOMMANDS:
  %s init                     Write a default config.yaml to TASKD_HOME
  %s status                   Show daemon health status (/healthz)
  %s task <action>            Talk to a running daemon
                              Actions: create, complete, get, list
  %s backup <path>            Snapshot the event journal to <path>
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKD_HOME              Data directory (default: ~/.taskd)
  TASKD_AUTH_TOKEN        API key used by the CLI (default: <home>/auth.token)
  TASKD_PRINCIPAL         Caller name sent by the CLI when auth is disabled

EXAMPLES:
  Create a task:          %s task create -title "Write report" -deadline 1700000000
  Check daemon health:    %s status
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to <home>/logs/system.jsonl only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "init":
			os.Exit(runInitCommand(args[1:], os.Stdout))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:], os.Stdout))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("auth is disabled on a non-loopback bind; any client can claim any principal", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		token, err := loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger.Logger, "E_AUTH_TOKEN", err)
		}
		cfg.Auth.Keys = append(cfg.Auth.Keys, operatorKey(token))
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	eventBus := bus.New()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_METRICS", err)
	}
	metricsSub := eventBus.SubscribeBuffered("task.", 256)
	go metrics.Observe(ctx, metricsSub)
	defer eventBus.Unsubscribe(metricsSub)

	reg := registry.New(registry.Config{
		Capacity: cfg.MaxTasks,
		Bus:      eventBus,
		Logger:   logger.Logger,
	})
	logger.Info("startup phase", "phase", "registry_ready", "capacity", reg.Capacity())

	var store *persistence.Store
	journalDone := closedChan()
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	if cfg.JournalEnabled() {
		store, err = persistence.Open(cfg.JournalPath(), eventBus)
		if err != nil {
			fatalStartup(logger.Logger, "E_JOURNAL_OPEN", err)
		}
		defer store.Close()
		audit.SetDB(store.DB())
		defer audit.SetDB(nil)
		journalDone = store.StartJournal(journalCtx, logger.Logger)
		logger.Info("startup phase", "phase", "journal_opened", "path", cfg.JournalPath())
	} else {
		logger.Info("event journal disabled")
	}

	var nextSweep func() time.Time
	if cfg.Overdue.Enabled || store != nil {
		sched, err := cron.NewScheduler(cron.Config{
			Registry:          reg,
			Bus:               eventBus,
			Store:             store,
			Logger:            logger.Logger,
			OverdueDisabled:   !cfg.Overdue.Enabled,
			OverdueSchedule:   cfg.Overdue.Schedule,
			RetentionSchedule: cfg.Retention.Schedule,
			TaskEventDays:     cfg.Retention.TaskEventDays,
			AuditLogDays:      cfg.Retention.AuditLogDays,
		})
		if err != nil {
			fatalStartup(logger.Logger, "E_CRON_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
		nextSweep = sched.NextSweep
		logger.Info("startup phase", "phase", "scheduler_started")
	}

	auth := gateway.NewAuthMiddleware(cfg.Auth)
	limiter := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	if cfg.RateLimit.Enabled {
		limiter.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
	}

	gw, err := gateway.New(gateway.Config{
		Version:           Version,
		Registry:          reg,
		Bus:               eventBus,
		Store:             store,
		Auth:              auth,
		RateLimit:         limiter,
		CORS:              cfg.CORS,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            provider.Tracer,
		Metrics:           metrics,
		Telemetry:         provider,
		NextSweep:         nextSweep,
		Logger:            logger.Logger,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_GATEWAY_INIT", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger.Logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchConfig(watcher.Events(), logger, auth, cfg.Auth.Keys)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger.Logger, "E_LISTENER_BIND", fmt.Errorf("%w: another process is using %s; stop it or change bind_addr in config.yaml", err, cfg.BindAddr))
		}
		fatalStartup(logger.Logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws", "auth", auth.Enabled())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, then drain the journal within the configured bound.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	gw.CloseClients("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	stopJournal()
	select {
	case <-journalDone:
	case <-shutdownCtx.Done():
		logger.Warn("journal drain timed out", "timeout", drainTimeout.String())
	}
	logger.Info("shutdown complete", "tasks", reg.Len())
}

// watchConfig reapplies the settings that can change without a restart:
// log level and API keys. Everything else needs a restart.
func watchConfig(events <-chan config.ReloadEvent, logger *telemetry.Logger, auth *gateway.AuthMiddleware, bootKeys []config.APIKeyEntry) {
	operator := operatorEntries(bootKeys)
	for ev := range events {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		logger.SetLevel(cfg.LogLevel)
		if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
			cfg.Auth.Keys = append(cfg.Auth.Keys, operator...)
		}
		auth.Reload(cfg.Auth)
		logger.Info("config reloaded",
			"op", ev.Op,
			"log_level", cfg.LogLevel,
			"auth", cfg.Auth.Enabled,
			"keys", len(cfg.Auth.Keys),
			"fingerprint", cfg.Fingerprint(),
		)
	}
}

const operatorPrincipal = "operator"

func operatorKey(token string) config.APIKeyEntry {
	return config.APIKeyEntry{Key: token, Principal: operatorPrincipal, Name: "auth.token"}
}

func operatorEntries(keys []config.APIKeyEntry) []config.APIKeyEntry {
	var out []config.APIKeyEntry
	for _, k := range keys {
		if k.Name == "auth.token" {
			out = append(out, k)
		}
	}
	return out
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.Deny, "runtime.startup", audit.NoTask, "taskd", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv loads path if present. Variables already set in the
// environment win.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// loadAuthToken returns TASKD_AUTH_TOKEN, or the token stored in
// <home>/auth.token, generating one on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("TASKD_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath, "principal", operatorPrincipal)
	return token, nil
}

func runInitCommand(args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskd init")
		return 2
	}
	home := config.HomeDir()
	written, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if written {
		fmt.Fprintf(out, "wrote %s\n", config.ConfigPath(home))
	} else {
		fmt.Fprintf(out, "%s already exists\n", config.ConfigPath(home))
	}
	return 0
}
