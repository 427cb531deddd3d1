// SPDX-License-Identifier: MIT

// Package api serves the daemon's HTTP control surface: session admission
// and lifecycle, queue introspection, record listings, the per-session
// event stream and the ops endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/health"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/queue"
	"github.com/openleads/scraperd/internal/ratelimit"
	"github.com/openleads/scraperd/internal/store"
)

// QueueManager admits sessions and answers queue questions. Implemented by
// *queue.Manager.
type QueueManager interface {
	Request(ctx context.Context, userID string, cfg model.SessionConfig) (*queue.Ticket, error)
	CancelQueued(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (*queue.Status, error)
}

// SessionController flips live session state. Implemented by
// *orch.Orchestrator.
type SessionController interface {
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Stop(ctx context.Context, sessionID string) error
}

// Deps wires the server's collaborators.
type Deps struct {
	Queue      QueueManager
	Control    SessionController
	Store      store.Store
	Bus        bus.Bus
	Health     *health.Manager
	Config     config.ServerConfig
	Telemetry  config.TelemetryConfig
	LogEnabled bool
}

// Server is the HTTP control API.
type Server struct {
	queue   QueueManager
	control SessionController
	store   store.Store
	bus     bus.Bus
	health  *health.Manager
	cfg     config.ServerConfig
	tel     config.TelemetryConfig
	scopes  *ratelimit.Limiter
	logReq  bool
	logger  zerolog.Logger
}

// NewServer builds the control API server. Call Handler to obtain the
// routed http.Handler; the daemon owns the net listener.
func NewServer(deps Deps) *Server {
	return &Server{
		queue:   deps.Queue,
		control: deps.Control,
		store:   deps.Store,
		bus:     deps.Bus,
		health:  deps.Health,
		cfg:     deps.Config,
		tel:     deps.Telemetry,
		scopes:  ratelimit.New(ratelimit.DefaultConfig()),
		logReq:  deps.LogEnabled,
		logger:  log.WithComponent("api"),
	}
}

// scopeLimit gates a route group through the layered scope limiter.
func (s *Server) scopeLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.scopes.Allow(ratelimit.GetClientIP(r), scope) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","detail":"Too many requests. Please try again later."}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
