package gateway_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         7200,
	})
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "https://example.com" ||
		h.Get("Access-Control-Allow-Methods") != "GET, POST" ||
		h.Get("Access-Control-Allow-Headers") != "Content-Type, Authorization" ||
		h.Get("Access-Control-Max-Age") != "7200" {
		t.Fatalf("unexpected preflight headers: %v", h)
	}
	if h.Get("Access-Control-Expose-Headers") != gateway.TraceHeader {
		t.Fatalf("trace header not exposed: %v", h)
	}
}

func TestCORS_OriginMatching(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"listed origin", []string{"https://allowed.com"}, "https://allowed.com", "https://allowed.com"},
		{"unlisted origin", []string{"https://allowed.com"}, "https://evil.com", ""},
		{"wildcard", []string{"*"}, "https://any.com", "https://any.com"},
		{"no origin header", []string{"*"}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: tc.allowed})(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("Allow-Origin = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCORS_DefaultHeadersIncludePrincipal(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://ui.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), gateway.PrincipalHeader) {
		t.Fatalf("default allow-headers missing %s: %q", gateway.PrincipalHeader, rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestCORS_Disabled(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: false, AllowedOrigins: []string{"*"}})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no CORS headers when disabled, got %q", origin)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	var readErr error
	handler := gateway.RequestSizeLimitMiddleware(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("small"))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(strings.Repeat("x", 200)))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("expected MaxBytesError for oversized body, got %v", readErr)
	}
}
