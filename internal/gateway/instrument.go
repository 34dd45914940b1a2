package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/shared"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-ID"

// statusWriter records the response status for spans and metrics. It keeps
// Hijack and Flush reachable so /ws upgrades still work behind it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// instrument assigns the trace id, opens a server span and records the
// request duration histogram.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(TraceHeader))
		if traceID == "" || len(traceID) > 128 {
			traceID = shared.NewTraceID()
		}
		w.Header().Set(TraceHeader, traceID)

		ctx := shared.WithTraceID(r.Context(), traceID)
		route := routeLabel(r.URL.Path)
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, r.Method+" "+route,
			otelPkg.AttrRoute.String(route),
			otelPkg.AttrTraceID.String(traceID),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("route", route),
					attribute.String("method", r.Method),
					attribute.Int("status", status),
				))
		}
		s.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"trace_id", traceID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// routeLabel collapses task ids so span names and metric attributes stay
// low-cardinality.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "tasks" {
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// promName converts an otel instrument name to a Prometheus metric name.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name) + "_total"
}
