package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/warden/pkg/auth"
)

func TestRateLimitMiddleware_UnderLimit(t *testing.T) {
	store := auth.NewInMemoryLimiterStore()
	policy := auth.RatePolicy{RPM: 60, Burst: 10}
	middleware := auth.RateLimitMiddleware(store, policy)

	called := false
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/assets", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called when under rate limit")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	store := auth.NewInMemoryLimiterStore()
	// Very strict: 1 RPM, burst of 1
	policy := auth.RatePolicy{RPM: 1, Burst: 1}
	middleware := auth.RateLimitMiddleware(store, policy)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First request: should pass
	req1 := httptest.NewRequest("GET", "/api/v1/assets", nil)
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", w1.Code)
	}

	// Second request: should be rate limited
	req2 := httptest.NewRequest("GET", "/api/v1/assets", nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", w2.Code)
	}
	if ra := w2.Header().Get("Retry-After"); ra == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestRateLimitMiddleware_NilStoreFailsOpen(t *testing.T) {
	middleware := auth.RateLimitMiddleware(nil, auth.RatePolicy{RPM: 1, Burst: 1})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/assets", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with nil store, got %d", i, w.Code)
		}
	}
}

func TestIPRateLimiter_PerIPIsolation(t *testing.T) {
	limiter := auth.NewIPRateLimiter(0.001, 1)

	if !limiter.Allow("10.0.0.1:5000") {
		t.Fatal("first request from 10.0.0.1 should pass")
	}
	if limiter.Allow("10.0.0.1:5001") {
		t.Fatal("second request from 10.0.0.1 should be limited")
	}
	// Different source IP gets its own bucket.
	if !limiter.Allow("10.0.0.2:5000") {
		t.Fatal("first request from 10.0.0.2 should pass")
	}
}

func TestIPRateLimitMiddleware(t *testing.T) {
	limiter := auth.NewIPRateLimiter(0.001, 1)
	middleware := auth.IPRateLimitMiddleware(limiter)

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest("POST", "/api/v1/hello", nil)
	req1.RemoteAddr = "192.0.2.10:40000"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w1.Code)
	}

	req2 := httptest.NewRequest("POST", "/api/v1/hello", nil)
	req2.RemoteAddr = "192.0.2.10:40001"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w2.Code)
	}
}
