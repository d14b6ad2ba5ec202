package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/elvachat/relay/internal/metrics"
)

// Metrics returns middleware that records Prometheus metrics.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// The wrapped writer keeps http.Hijacker for websocket upgrades.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path,
		).Observe(time.Since(start).Seconds())
	})
}

// knownPaths are recorded as-is; everything else collapses into one label.
var knownPaths = map[string]bool{
	"/":                     true,
	"/health":               true,
	"/metrics":              true,
	"/ws":                   true,
	"/user/register":        true,
	"/user/login":           true,
	"/user/logout":          true,
	"/user/auth/me":         true,
	"/user/all-users":       true,
	"/user/online":          true,
	"/user/messages":        true,
	"/user/unread-messages": true,
	"/user/mark-read":       true,
	"/user/upload-file":     true,
	"/user/save-message":    true,
	"/user/askSomething":    true,
	"/user/ai-messages":     true,
}

// normalizePath normalizes paths to avoid high cardinality in metrics.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	if strings.HasPrefix(path, "/user/chat/") {
		return "/user/chat/:senderId/:receiverId"
	}
	return "other"
}
