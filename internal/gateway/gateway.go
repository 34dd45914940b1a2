// Package gateway is the network front end of taskd: a REST API and a
// JSON-RPC 2.0 WebSocket endpoint over one task registry. Every request is
// resolved to a caller identity before it reaches the registry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	otelPkg "github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/registry"
)

type Config struct {
	// Version is the daemon build reported by /healthz.
	Version string


	Registry *registry.Registry
	Bus      *bus.Bus
	// Store is the event journal. Nil disables /api/tasks/{id}/events.
	Store *persistence.Store

	// Auth and RateLimit are shared with the daemon so it can hot-reload
	// keys. Nil Auth means an auth-disabled middleware.
	Auth      *AuthMiddleware
	RateLimit *RateLimitMiddleware
	CORS      config.CORSConfig

	MaxBodyBytes int64

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	Tracer    trace.Tracer
	Metrics   *otelPkg.Metrics
	Telemetry *otelPkg.Provider

	// NextSweep reports the next overdue sweep, when the sweeper runs.
	NextSweep func() time.Time

	Logger *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	validator *requestValidator
	started   time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	v, err := newRequestValidator()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthMiddleware(config.AuthConfig{Enabled: false})
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("subsystem", "gateway"),
		tracer:    tracer,
		validator: v,
		started:   time.Now(),
		clients:   map[*client]struct{}{},
	}
	if cfg.Metrics != nil && cfg.RateLimit.OnReject == nil {
		cfg.RateLimit.OnReject = func(r *http.Request) {
			cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		}
	}
	return s, nil
}

// Handler returns the full middleware chain: CORS, tracing, auth, rate
// limiting and body limits in front of the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.cfg.RateLimit.Wrap(h)
	h = s.cfg.Auth.Wrap(h)
	h = s.instrument(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	journalOK := true
	var journalEvents int64
	if s.cfg.Store != nil {
		n, err := s.cfg.Store.TotalEventCount(r.Context())
		if err != nil {
			journalOK = false
		}
		journalEvents = n
	}

	payload := map[string]any{
		"healthy":            journalOK,
		"version":            s.cfg.Version,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"tasks":              s.cfg.Registry.Len(),
		"capacity":           s.cfg.Registry.Capacity(),
		"journal_enabled":    s.cfg.Store != nil,
		"journal_ok":         journalOK,
		"journal_events":     journalEvents,
		"auth_enabled":       s.cfg.Auth.Enabled(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"ws_clients":         s.clientCount(),
	}
	if s.cfg.NextSweep != nil {
		if next := s.cfg.NextSweep(); !next.IsZero() {
			payload["next_overdue_sweep"] = next.UTC().Format(time.RFC3339)
		}
	}
	status := http.StatusOK
	if !journalOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type registryCounts struct {
	total     int
	completed int
	owners    int
}

func (s *Server) countTasks() registryCounts {
	var c registryCounts
	owners := map[string]struct{}{}
	s.cfg.Registry.Range(func(_ registry.TaskID, t registry.Task) bool {
		c.total++
		if t.Completed {
			c.completed++
		}
		owners[t.Creator] = struct{}{}
		return true
	})
	c.owners = len(owners)
	return c
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts := s.countTasks()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"tasks_total":       counts.total,
		"tasks_completed":   counts.completed,
		"tasks_open":        counts.total - counts.completed,
		"task_owners":       counts.owners,
		"capacity":          s.cfg.Registry.Capacity(),
		"audit_deny_total":  audit.DenyCount(),
		"ws_clients":        s.clientCount(),
		"alloc_bytes":       mem.Alloc,
		"bus_subscriptions": 0,
	}
	if s.cfg.Bus != nil {
		payload["bus_subscriptions"] = s.cfg.Bus.SubscriberCount()
	}
	if snap, err := s.cfg.Telemetry.Snapshot(r.Context()); err == nil && len(snap) > 0 {
		payload["counters"] = snap
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	counts := s.countTasks()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP taskd_tasks_total Tasks held by the registry.\n")
	fmt.Fprintf(w, "# TYPE taskd_tasks_total gauge\n")
	fmt.Fprintf(w, "taskd_tasks_total %d\n", counts.total)
	fmt.Fprintf(w, "# HELP taskd_tasks_completed Completed tasks.\n")
	fmt.Fprintf(w, "# TYPE taskd_tasks_completed gauge\n")
	fmt.Fprintf(w, "taskd_tasks_completed %d\n", counts.completed)
	fmt.Fprintf(w, "# HELP taskd_capacity Registry capacity.\n")
	fmt.Fprintf(w, "# TYPE taskd_capacity gauge\n")
	fmt.Fprintf(w, "taskd_capacity %d\n", s.cfg.Registry.Capacity())
	fmt.Fprintf(w, "# HELP taskd_audit_deny_total Total access denials.\n")
	fmt.Fprintf(w, "# TYPE taskd_audit_deny_total counter\n")
	fmt.Fprintf(w, "taskd_audit_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP taskd_ws_clients Connected WebSocket clients.\n")
	fmt.Fprintf(w, "# TYPE taskd_ws_clients gauge\n")
	fmt.Fprintf(w, "taskd_ws_clients %d\n", s.clientCount())
	if snap, err := s.cfg.Telemetry.Snapshot(r.Context()); err == nil {
		for _, name := range sortedKeys(snap) {
			metric := promName(name)
			fmt.Fprintf(w, "# TYPE %s counter\n", metric)
			fmt.Fprintf(w, "%s %d\n", metric, snap[name])
		}
	}
}

// errorBody is the JSON shape of every REST error. Code carries the
// registry's numeric code for registry failures and the HTTP status otherwise.
type errorBody struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, reason, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, Reason: reason})
}

// httpStatus maps registry errors onto HTTP. Capacity exhaustion is a
// server-side condition the client cannot fix, so it is 507 rather than 400.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	writeError(w, httpStatus(err), registry.Code(err), registry.Reason(err), err.Error())
}

// CloseClients tells every WebSocket client the server is going away and
// closes its connection. http.Server.Shutdown does not track hijacked
// connections, so the daemon calls this before it.
func (s *Server) CloseClients(reason string) {
	s.broadcast("system.shutdown", map[string]any{"reason": reason})
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, reason)
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func ctxWithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}
