package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/gateway"
)

func limited(t *testing.T, burst int) (*gateway.RateLimitMiddleware, http.Handler) {
	t.Helper()
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         burst,
	})
	return rl, rl.Wrap(okHandler())
}

func TestRateLimit_UnderLimit(t *testing.T) {
	_, handler := limited(t, 10)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/tasks", nil)
		req.Header.Set("X-API-Key", "test-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl, handler := limited(t, 3)
	rejects := 0
	rl.OnReject = func(*http.Request) { rejects++ }

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/tasks", nil)
		req.Header.Set("X-API-Key", "test-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rejects != 1 {
		t.Fatalf("expected OnReject once, got %d", rejects)
	}
}

func TestRateLimit_SeparateBucketsPerPrincipal(t *testing.T) {
	_, handler := limited(t, 1)

	for _, who := range []string{"alice", "bob"} {
		req := httptest.NewRequest("GET", "/api/tasks", nil)
		req.Header.Set(gateway.PrincipalHeader, who)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", who, rec.Code)
		}
	}
}

func TestRateLimit_OpenPathsExempt(t *testing.T) {
	_, handler := limited(t, 1)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	handler := rl.Wrap(okHandler())
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, handler := limited(t, 5)
	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("X-API-Key", "k")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if rl.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket, got %d", rl.BucketCount())
	}
	time.Sleep(5 * time.Millisecond)
	rl.EvictStale(time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected stale bucket evicted, got %d", rl.BucketCount())
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := gateway.NewTokenBucket(6000, 1) // 100 tokens/sec
	if !tb.Allow() {
		t.Fatal("first request should pass")
	}
	if tb.Allow() {
		t.Fatal("second immediate request should be limited")
	}
	time.Sleep(30 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("expected refill after 30ms")
	}
}
