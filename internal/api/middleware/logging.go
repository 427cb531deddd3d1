// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openleads/scraperd/internal/log"
)

// Logging writes one structured access-log line per request. Status classes
// pick the level: 5xx error, 4xx warn, everything else info.
func Logging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &logWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(lw, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					route = pattern
				}
			}

			logger := log.WithComponentFromContext(r.Context(), "http")
			ev := logger.Info()
			switch {
			case lw.statusCode >= 500:
				ev = logger.Error()
			case lw.statusCode >= 400:
				ev = logger.Warn()
			}
			ev.
				Str("method", r.Method).
				Str("path", route).
				Int("status", lw.statusCode).
				Int("bytes", lw.bytesWritten).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("request")
		})
	}
}

// logWriter wraps http.ResponseWriter to capture status and size.
type logWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	written      bool
}

func (lw *logWriter) WriteHeader(statusCode int) {
	if !lw.written {
		lw.statusCode = statusCode
		lw.written = true
	}
	lw.ResponseWriter.WriteHeader(statusCode)
}

func (lw *logWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.WriteHeader(http.StatusOK)
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.bytesWritten += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (lw *logWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}
