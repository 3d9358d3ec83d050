package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(h http.Handler, remote, user string) int {
	req := httptest.NewRequest("GET", "/api/v1/projects", nil)
	req.RemoteAddr = remote
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.1, Burst: 3})(okHandler)

	ok, blocked := 0, 0
	for i := 0; i < 10; i++ {
		switch serve(h, "192.168.1.1:1234", "") {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
		}
	}
	if ok != 3 || blocked != 7 {
		t.Errorf("ok=%d blocked=%d, want 3/7", ok, blocked)
	}
}

func TestRateLimit_SeparatesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.1, Burst: 1})(okHandler)

	if serve(h, "192.168.1.1:1", "") != http.StatusOK {
		t.Fatal("first request should pass")
	}
	if serve(h, "192.168.1.1:1", "") != http.StatusTooManyRequests {
		t.Error("second request from same client should be limited")
	}
	if serve(h, "192.168.1.2:1", "") != http.StatusOK {
		t.Error("other client should have its own bucket")
	}
}

func TestRateLimit_CustomKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{
		RequestsPerSecond: 0.1,
		Burst:             1,
		Key:               func(r *http.Request) string { return r.Header.Get("X-Test-User") },
	})(okHandler)

	if serve(h, "10.0.0.1:1", "alice") != http.StatusOK {
		t.Fatal("alice first request should pass")
	}
	if serve(h, "10.0.0.2:1", "alice") != http.StatusTooManyRequests {
		t.Error("alice is limited across addresses")
	}
	if serve(h, "10.0.0.1:1", "bob") != http.StatusOK {
		t.Error("bob shares the address but not the bucket")
	}
}

func TestRateLimit_ErrorBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.1, Burst: 1})(okHandler)
	serve(h, "1.1.1.1:1", "")

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "1.1.1.1:1"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body struct {
		Error struct{ Code string } `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "RATE_LIMIT" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler)
	for i := 0; i < 50; i++ {
		if serve(h, "1.1.1.1:1", "") != http.StatusOK {
			t.Fatal("disabled limiter must pass everything")
		}
	}
}
