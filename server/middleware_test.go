package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestOperatorAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	h := operatorAuth(okHandler(), cfg)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/obs/connect", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestOperatorAuthToken(t *testing.T) {
	cfg := &authConfig{adminToken: "secret", enabled: true}
	h := operatorAuth(okHandler(), cfg)

	// Missing token
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/obs/connect", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Wrong token
	req := httptest.NewRequest(http.MethodPost, "/obs/connect", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Correct token
	req = httptest.NewRequest(http.MethodPost, "/obs/connect", nil)
	req.Header.Set("X-Admin-Token", "secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct token: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestOperatorAuthBasic(t *testing.T) {
	cfg := &authConfig{adminUsername: "op", adminPassword: "pw", enabled: true}
	h := operatorAuth(okHandler(), cfg)

	req := httptest.NewRequest(http.MethodPost, "/obs/connect", nil)
	req.SetBasicAuth("op", "pw")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid basic auth: status = %d, want %d", w.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/obs/connect", nil)
	req.SetBasicAuth("op", "nope")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header on auth failure")
	}
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("request over limit allowed, want denied")
	}
	// A different IP has its own budget.
	if !limiter.allow("10.0.0.2") {
		t.Error("different IP denied, want allowed")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: 20 * time.Millisecond}
	limiter := newIPRateLimiter(context.Background(), cfg)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("second request inside window allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if !limiter.allow("10.0.0.1") {
		t.Error("request after window expiry denied")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 10; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestRateLimitMiddlewareForwardedFor(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)
	h := rateLimitMiddleware(okHandler(), limiter)

	req := httptest.NewRequest(http.MethodPost, "/obs/scene", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://dash.example.com", "*.overlay.example.com"}

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://dash.example.com", true},
		{"https://evil.example.com", false},
		{"https://a.overlay.example.com", true},
		{"https://overlay.example.com", true},
		{"https://fakeoverlay.example.com", false},
	}
	for _, tc := range cases {
		if got := isOriginAllowed(tc.origin, allowed); got != tc.want {
			t.Errorf("isOriginAllowed(%q) = %t, want %t", tc.origin, got, tc.want)
		}
	}
}
