package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// Logging writes one line per request. Health and metrics probes log at DEBUG.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case isProbe(r.URL.Path):
			level = slog.LevelDebug
		}

		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration", time.Since(start),
			"request_id", GetRequestID(r.Context()),
			"ip", ClientIP(r),
		)
	})
}

func isProbe(path string) bool {
	return path == "/metrics" || path == "/health" || path == "/health/live" || path == "/health/ready"
}
