// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openleads/scraperd/internal/api/middleware"
)

// Handler builds the routed control surface behind the canonical
// middleware stack. Lifecycle routes sit behind the control scope, reads
// behind query, SSE behind events; the ops endpoints are unscoped.
func (s *Server) Handler() http.Handler {
	stack := middleware.StackConfig{
		EnableMetrics: true,
		EnableLogging: s.logReq,
		RateLimitRPM:  s.cfg.RateLimitRPM,
	}
	if s.tel.Enabled {
		stack.OTelService = s.tel.ServiceName
	} else {
		// Noop tracer provider makes these spans free.
		stack.TracingService = "scraperd.api"
	}

	r := middleware.NewRouter(stack)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.scopeLimit("control"))
			r.Post("/sessions", s.handleStartSession)
			r.Post("/sessions/{id}/pause", s.handlePauseSession)
			r.Post("/sessions/{id}/resume", s.handleResumeSession)
			r.Post("/sessions/{id}/stop", s.handleStopSession)
			r.Delete("/queue/{id}", s.handleCancelQueued)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.scopeLimit("query"))
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Get("/sessions/{id}/businesses", s.handleListBusinesses)
			r.Get("/queue/{id}", s.handleQueueStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.scopeLimit("events"))
			r.Get("/sessions/{id}/events", s.handleSessionEvents)
		})
	})

	return r
}
