package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elvachat/relay/internal/auth"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimitLocalCounter(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})
	h := rl.Middleware(ok)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/user/register", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Fatalf("missing limit header: %v", rec.Header())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/user/register", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// Another address has its own bucket.
	req = httptest.NewRequest(http.MethodPost, "/user/register", nil)
	req.RemoteAddr = "203.0.113.8:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for other ip, got %d", rec.Code)
	}
}

func TestRateLimitWhitelist(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"10.0.0.0/8"}})
	h := rl.Middleware(ok)

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/user/register", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("whitelisted request %d got %d", i, rec.Code)
		}
	}
}

func TestFindLimitPrefersSpecificPattern(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	cases := map[string]string{
		"POST /user/login":          "POST /user/login",
		"POST /user/mark-read":      "POST /user/",
		"GET /user/unread-messages": "GET /user/",
		"GET /ws":                   "GET /ws",
	}
	for in, want := range cases {
		method, path, _ := strings.Cut(in, " ")
		got := rl.findLimit(httptest.NewRequest(method, path, nil))
		if got == nil || got.Pattern != want {
			t.Errorf("%s: got %v, want %s", in, got, want)
		}
	}
	if rl.findLimit(httptest.NewRequest(http.MethodGet, "/health", nil)) != nil {
		t.Error("health should not be limited")
	}
}

func TestRequireAuth(t *testing.T) {
	tokens := auth.NewTokens("test-secret", time.Hour)
	raw, _, err := tokens.Issue(uuid.New(), "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var seen string
	h := NewAuthMiddleware(tokens).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaimsFromContext(r.Context()).Name
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/auth/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/user/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: raw})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen != "alice" {
		t.Fatalf("cookie auth failed: code=%d seen=%q", rec.Code, seen)
	}

	seen = ""
	req = httptest.NewRequest(http.MethodGet, "/user/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen != "alice" {
		t.Fatalf("bearer auth failed: code=%d seen=%q", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/user/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+raw+"x")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered token, got %d", rec.Code)
	}
}

func TestValidateRequestContentType(t *testing.T) {
	h := ValidateRequest("/user/upload-file")(ok)

	cases := []struct {
		path, contentType string
		want              int
	}{
		{"/user/login", "application/json", http.StatusOK},
		{"/user/login", "text/plain", http.StatusUnsupportedMediaType},
		{"/user/upload-file", "multipart/form-data; boundary=x", http.StatusOK},
		{"/user/upload-file", "application/json", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader("{}"))
		req.Header.Set("Content-Type", tc.contentType)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.path, tc.contentType, rec.Code, tc.want)
		}
	}

	// Bodiless POSTs need no content type.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/user/logout", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty post: got %d", rec.Code)
	}

	// RawQuery stays escaped; only literal patterns are rejected.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/messages?sender=%3Cscript%3E", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("escaped query rejected: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/messages?x=javascript:alert(1)", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for suspicious query, got %d", rec.Code)
	}
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(8, 64, "/user/upload-file")(ok)

	req := httptest.NewRequest(http.MethodPost, "/user/login", strings.NewReader(strings.Repeat("a", 16)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/user/upload-file", strings.NewReader(strings.Repeat("a", 16)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("exempt path: expected 200, got %d", rec.Code)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/user/login":           "/user/login",
		"/user/chat/alice/bob":  "/user/chat/:senderId/:receiverId",
		"/user/nope":            "other",
		"/user/unread-messages": "/user/unread-messages",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
