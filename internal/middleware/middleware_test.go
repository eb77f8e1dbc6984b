package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wattwise/energy-monitor/pkg/logger"
)

func TestCORSMiddleware_Preflight(t *testing.T) {
	called := false
	handler := NewCORSMiddleware([]string{"*"}).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/energy/input", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want 200", rec.Code)
	}
	if called {
		t.Errorf("preflight reached the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, X-Id-Token, X-Trace-ID" {
		t.Errorf("Allow-Headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("wildcard origin allowed credentials: %q", got)
	}
}

func TestCORSMiddleware_CredentialsOnlyForListedOrigins(t *testing.T) {
	handler := NewCORSMiddleware([]string{"*", "https://app.example.com"}).Handler(okHandler())

	tests := []struct {
		origin      string
		allowOrigin string
		credentials string
	}{
		{"https://app.example.com", "https://app.example.com", "true"},
		{"https://evil.com", "*", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
			t.Errorf("origin %q: Allow-Origin = %q, want %q", tt.origin, got, tt.allowOrigin)
		}
		if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.credentials {
			t.Errorf("origin %q: Allow-Credentials = %q, want %q", tt.origin, got, tt.credentials)
		}
	}
}

func TestCORSMiddleware_Origins(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://app.example.com", ".example.org"}).Handler(okHandler())

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://x.example.org", true},
		{"https://evil.com", false},
		{"", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get("Access-Control-Allow-Origin") != ""
		if got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, logger.NewDiscard())
	handler := rl.Handler(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}

	// another client is unaffected
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second client limited: %d", rec.Code)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, logger.NewDiscard())
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(10 * time.Minute)
	rl.getLimiter("b")

	if removed := rl.Cleanup(5 * time.Minute); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := rl.limiters["b"]; !ok {
		t.Fatalf("recent limiter removed")
	}
}

func TestClientIP(t *testing.T) {
	trusted, err := parseProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}

	tests := []struct {
		name    string
		remote  string
		xff     []string
		trusted []*net.IPNet
		want    string
	}{
		{"direct", "192.0.2.1:1234", nil, nil, "192.0.2.1"},
		{"spoofed header without trusted proxies", "192.0.2.1:1234", []string{"203.0.113.9"}, nil, "192.0.2.1"},
		{"spoofed header from untrusted peer", "198.51.100.4:1234", []string{"203.0.113.9"}, trusted, "198.51.100.4"},
		{"behind trusted proxy", "10.0.0.5:80", []string{"203.0.113.9"}, trusted, "203.0.113.9"},
		{"client-prepended hops ignored", "10.0.0.5:80", []string{"1.2.3.4, 203.0.113.9"}, trusted, "203.0.113.9"},
		{"chain of trusted proxies", "10.0.0.5:80", []string{"203.0.113.9, 192.0.2.7", "10.1.1.1"}, trusted, "203.0.113.9"},
		{"malformed hop", "10.0.0.5:80", []string{"1.2.3.4, garbage"}, trusted, "10.0.0.5"},
		{"all hops trusted", "10.0.0.5:80", []string{"10.2.2.2"}, trusted, "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if got := clientIP(req, tt.trusted); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_IgnoresSpoofedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, logger.NewDiscard())
	handler := rl.Handler(okHandler())

	limited := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "198.51.100.4:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 19 {
		t.Fatalf("limited = %d, want 19", limited)
	}
}

func TestRateLimiter_TrustProxies(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, logger.NewDiscard())
	if err := rl.TrustProxies("10.0.0.0/8"); err != nil {
		t.Fatalf("trust proxies: %v", err)
	}
	if err := rl.TrustProxies("not-an-ip"); err == nil {
		t.Fatalf("expected error for invalid proxy")
	}
	handler := rl.Handler(okHandler())

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.5:443"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first client: %d", code)
	}
	if code := send("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("first client repeat: %d", code)
	}
	if code := send("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("second client behind proxy limited: %d", code)
	}
}

func TestLoggingMiddleware_TraceID(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.LoggingConfig{Format: "json"})
	log.SetOutput(&buf)

	var seen string
	handler := LoggingMiddleware(log)(newTestAuth(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.GetTraceID(r.Context())
		w.WriteHeader(http.StatusCreated)
	})))

	req := httptest.NewRequest(http.MethodPost, "/energy/input", nil)
	req.Header.Set(TraceHeader, "trace-1")
	req.Header.Set("X-Id-Token", generateTestToken(t, testSecret, "user-9", "id", false))
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, testSecret, "user-9", "access", false))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "trace-1" {
		t.Errorf("trace id in context = %q", seen)
	}
	if rec.Header().Get(TraceHeader) != "trace-1" {
		t.Errorf("trace id not echoed")
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"].(float64) != http.StatusCreated || line["user_id"] != "user-9" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestLoggingMiddleware_GeneratesTraceID(t *testing.T) {
	handler := LoggingMiddleware(logger.NewDiscard())(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get(TraceHeader) == "" {
		t.Errorf("expected generated trace id")
	}
}

type wrappingWriter struct{ http.ResponseWriter }

func (w wrappingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func TestSetUserID_ThroughWrappers(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	SetUserID(wrappingWriter{wrappingWriter{rw}}, "user-7")
	if rw.userID != "user-7" {
		t.Errorf("userID = %q, want user-7", rw.userID)
	}

	// A writer chain without the logging writer is left alone.
	SetUserID(httptest.NewRecorder(), "ignored")
}

func TestRecovery(t *testing.T) {
	handler := Recovery(logger.NewDiscard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/energy/history", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Status code = %d, want 500", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != "Internal server error" {
		t.Errorf("message = %v", body["message"])
	}
}
