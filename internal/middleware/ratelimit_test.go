package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ghostwall/internal/config"
)

func testLimiterConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 10,
		WindowSize:    time.Minute,
		BurstSize:     2,
		CleanupPeriod: 5 * time.Minute,
	}
}

// TestRateLimiter_Allow tests the basic Allow functionality.
func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(), slog.Default())
	defer limiter.Stop()

	ip := "192.168.1.100"

	// requests-per-ip plus burst
	for i := 0; i < 12; i++ {
		allowed, remaining, _ := limiter.Allow(ip)
		if !allowed {
			t.Errorf("request %d should be allowed, but was denied", i+1)
		}
		if want := 12 - i - 1; remaining != want {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, want, remaining)
		}
	}

	allowed, remaining, resetTime := limiter.Allow(ip)
	if allowed {
		t.Error("request 13 should be denied, but was allowed")
	}
	if remaining != 0 {
		t.Errorf("expected remaining=0, got %d", remaining)
	}
	if resetTime.Before(time.Now()) {
		t.Error("reset time should be in the future")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 5
	cfg.BurstSize = 0

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		limiter.Allow("10.0.0.1")
	}
	if allowed, _, _ := limiter.Allow("10.0.0.1"); allowed {
		t.Fatal("expected denial after limit")
	}

	now = now.Add(time.Minute + time.Second)
	if allowed, remaining, _ := limiter.Allow("10.0.0.1"); !allowed || remaining != 4 {
		t.Errorf("after window: allowed=%v remaining=%d", allowed, remaining)
	}
}

func TestRateLimiter_MultipleIPs(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 2
	cfg.BurstSize = 0

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.1")
	if allowed, _, _ := limiter.Allow("10.0.0.1"); allowed {
		t.Error("10.0.0.1 should be limited")
	}
	if allowed, _, _ := limiter.Allow("10.0.0.2"); !allowed {
		t.Error("10.0.0.2 should not share 10.0.0.1's window")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(testLimiterConfig(), nil)
	defer limiter.Stop()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("10.0.0.1")
	now = now.Add(90 * time.Second)
	limiter.Allow("10.0.0.2")

	// 10.0.0.1's window ended 30s ago; not yet a full window.
	limiter.cleanup()
	if got := limiter.Stats().TrackedIPs; got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}

	now = now.Add(time.Minute)
	limiter.cleanup()
	if got := limiter.Stats().TrackedIPs; got != 1 {
		t.Errorf("tracked = %d, want 1", got)
	}
}

func TestRateLimiter_Stats(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 1
	cfg.BurstSize = 0

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")

	stats := limiter.Stats()
	if stats.TrackedIPs != 2 || stats.Allowed != 2 || stats.Limited != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRateLimiter_IsExempt(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.ExemptPaths = []string{"/health", "/metrics"}

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()

	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/metrics", true},
		{"/v1/status", false},
		{"/health/extra", false},
	}
	for _, tt := range tests {
		if got := limiter.IsExempt(tt.path); got != tt.want {
			t.Errorf("IsExempt(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 3
	cfg.BurstSize = 0
	cfg.ExemptPaths = []string{"/health"}

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()
	h := limiter.Middleware(okHandler())

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "198.51.100.9:40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		rec := do("/v1/status")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if got, want := rec.Header().Get("X-RateLimit-Remaining"), fmt.Sprintf("%d", 2-i); got != want {
			t.Errorf("request %d: remaining header %q, want %q", i+1, got, want)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "3" {
			t.Errorf("limit header %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := do("/v1/status")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate limit exceeded" || body.RetryAfter <= 0 {
		t.Errorf("unexpected body %+v", body)
	}

	if rec := do("/health"); rec.Code != http.StatusOK {
		t.Errorf("exempt path got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.Enabled = false
	cfg.RequestsPerIP = 1
	cfg.BurstSize = 0

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()
	h := limiter.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("disabled limiter set headers")
		}
	}
}

func TestRateLimitMiddleware_TrustProxy(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 1
	cfg.BurstSize = 0
	cfg.TrustProxy = true

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()
	h := limiter.Middleware(okHandler())

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		req.RemoteAddr = "127.0.0.1:5000"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first client: %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Errorf("second client shares proxy address but should be tracked apart: %d", code)
	}
	// A spoofed leftmost entry does not reset the limit.
	if code := send("1.2.3.4, 203.0.113.1"); code != http.StatusTooManyRequests {
		t.Errorf("spoofed XFF bypassed limit: %d", code)
	}
}

func TestRateLimitMiddleware_Concurrent(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 50
	cfg.BurstSize = 0

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()
	h := limiter.Middleware(okHandler())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, bad int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
			req.RemoteAddr = "192.0.2.10:1234"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			mu.Lock()
			defer mu.Unlock()
			if rec.Code == http.StatusOK {
				ok++
			} else {
				bad++
			}
		}()
	}
	wg.Wait()

	if ok != 50 || bad != 50 {
		t.Errorf("allowed=%d limited=%d, want 50/50", ok, bad)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, false, "192.0.2.1"},
		{"no port", "192.0.2.1", nil, false, "192.0.2.1"},
		{"ipv6", "[2001:db8::1]:443", nil, false, "2001:db8::1"},
		{"xff ignored without trust", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.5"}, false, "192.0.2.1"},
		{"xff rightmost", "127.0.0.1:1", map[string]string{"X-Forwarded-For": "10.0.0.1, 203.0.113.5"}, true, "203.0.113.5"},
		{"xff trailing blank", "127.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.5, "}, true, "203.0.113.5"},
		{"x-real-ip", "127.0.0.1:1", map[string]string{"X-Real-IP": "203.0.113.6"}, true, "203.0.113.6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	cfg := testLimiterConfig()
	cfg.RequestsPerIP = 1 << 30

	limiter := NewRateLimiter(cfg, nil)
	defer limiter.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(fmt.Sprintf("10.0.%d.%d", (i>>8)&0xff, i&0xff))
	}
}
