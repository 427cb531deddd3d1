// SPDX-License-Identifier: MIT

// Package queue enforces the single-active-session discipline. The manager
// owns the admission critical section: it snapshots store state, runs the
// admission rules, and either launches the session or parks it in the
// persisted waiting line. Promotion hangs off the orchestrator's terminal
// callback, so the head starts the moment the slot frees.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/admission"
	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/orch"
	"github.com/openleads/scraperd/internal/store"
)

var (
	// ErrUserBusy is returned when the user already owns a queued, running
	// or paused session.
	ErrUserBusy = errors.New("queue: user already has an active session")
	// ErrNotWaiting is returned when a cancel targets an entry that already
	// left the waiting line.
	ErrNotWaiting = errors.New("queue: entry is not waiting")
)

// promoteTimeout bounds the store work done from the terminal callback,
// which runs on the finished session's goroutine.
const promoteTimeout = 30 * time.Second

// defaultSessionMs seeds the wait estimate until completed sessions exist.
const defaultSessionMs = int64(5 * time.Minute / time.Millisecond)

// estimateSample is how many recent completed sessions feed the estimate.
const estimateSample = 5

// Runner is the slice of the orchestrator the manager drives.
type Runner interface {
	Start(ctx context.Context, sessionID string) error
	Transition(ctx context.Context, sessionID string, ev orch.Event) (model.SessionStatus, error)
}

// Deps wires the manager into the daemon.
type Deps struct {
	Store  store.Store
	Runner Runner
	Config config.Config
}

// Ticket is the admission verdict returned to the control API.
type Ticket struct {
	SessionID string
	Outcome   admission.Outcome
	Position  int
}

// Status reports where a session stands relative to the run slot.
type Status struct {
	SessionID       string `json:"sessionId"`
	Active          bool   `json:"active,omitempty"`
	Position        int    `json:"position,omitempty"`
	EstimatedWaitMs int64  `json:"estimatedWaitMs,omitempty"`
}

// Manager serialises admission, promotion and queue housekeeping.
type Manager struct {
	store   store.Store
	runner  Runner
	cfg     config.QueueConfig
	scraper config.ScraperConfig
	logger  zerolog.Logger

	mu sync.Mutex
	// activeID is the session this process launched and has not yet seen
	// terminate. It distinguishes a live running row from a crashed one.
	activeID string
}

// NewManager wires a queue manager. Wire OnTerminal as the orchestrator's
// TerminalFn and call Boot once before serving requests.
func NewManager(deps Deps) *Manager {
	return &Manager{
		store:   deps.Store,
		runner:  deps.Runner,
		cfg:     deps.Config.Queue,
		scraper: deps.Config.Scraper,
		logger:  log.WithComponent("queue"),
	}
}

// Request admits a new session for userID. It returns a started or queued
// ticket, ErrUserBusy, or the validation error verbatim.
func (m *Manager) Request(ctx context.Context, userID string, cfg model.SessionConfig) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if err := m.recoverStaleLocked(ctx, now); err != nil {
		return nil, err
	}
	st, err := m.stateLocked(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	dec := admission.Observe(ctx, admission.Request{
		SessionID: sessionID,
		UserID:    userID,
		Config:    cfg,
	}, st)

	switch dec.Outcome {
	case admission.OutcomeReject:
		if dec.Reason == admission.ReasonOwnerBusy {
			return nil, ErrUserBusy
		}
		return nil, dec.Err

	case admission.OutcomeStart:
		if err := m.createSession(ctx, sessionID, userID, cfg, now); err != nil {
			return nil, err
		}
		if err := m.runner.Start(ctx, sessionID); err != nil {
			// The row exists but never ran; cancel keeps the books straight.
			if _, terr := m.runner.Transition(ctx, sessionID, orch.EventCancel); terr != nil {
				m.logger.Error().Err(terr).Str(log.FieldSessionID, sessionID).
					Msg("orphaned session cancel failed")
			}
			return nil, err
		}
		m.activeID = sessionID
		m.logger.Info().Str(log.FieldSessionID, sessionID).Str(log.FieldUserID, userID).
			Msg("session admitted")
		return &Ticket{SessionID: sessionID, Outcome: admission.OutcomeStart}, nil

	default:
		if err := m.createSession(ctx, sessionID, userID, cfg, now); err != nil {
			return nil, err
		}
		pos, err := m.store.EnqueueWaiting(ctx, &model.QueueEntry{
			SessionID: sessionID,
			UserID:    userID,
		})
		if err != nil {
			return nil, err
		}
		m.refreshWaitingLocked(ctx)
		m.logger.Info().Str(log.FieldSessionID, sessionID).Str(log.FieldUserID, userID).
			Int("position", pos).Str("reason", string(dec.Reason)).
			Msg("session queued")
		return &Ticket{SessionID: sessionID, Outcome: admission.OutcomeQueue, Position: pos}, nil
	}
}

// CancelQueued removes a waiting session from the line and cancels it.
func (m *Manager) CancelQueued(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.store.GetQueueEntry(ctx, sessionID)
	if err != nil {
		return err
	}
	if entry.Status != model.QueueWaiting {
		return ErrNotWaiting
	}
	if _, err := m.runner.Transition(ctx, sessionID, orch.EventCancel); err != nil {
		return err
	}
	if err := m.store.FinishQueueEntry(ctx, sessionID, model.QueueCancelled); err != nil {
		return err
	}
	m.refreshWaitingLocked(ctx)
	return nil
}

// Status reports a session's queue position or that it holds the slot.
// Sessions that already finished return store.ErrNotFound.
func (m *Manager) Status(ctx context.Context, sessionID string) (*Status, error) {
	entry, err := m.store.GetQueueEntry(ctx, sessionID)
	if err == nil && entry.Status == model.QueueWaiting {
		return &Status{
			SessionID:       sessionID,
			Position:        entry.Position,
			EstimatedWaitMs: m.estimateWait(ctx, entry.Position),
		}, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Status.IsActive() {
		return &Status{SessionID: sessionID, Active: true}, nil
	}
	return nil, store.ErrNotFound
}

// OnTerminal is the orchestrator's terminal callback. It closes the queue
// entry of the finished session and promotes the head if the slot freed.
func (m *Manager) OnTerminal(sessionID string, status model.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), promoteTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID == sessionID {
		m.activeID = ""
	}
	entryStatus := model.QueueComplete
	if status == model.StatusCancelled {
		entryStatus = model.QueueCancelled
	}
	if err := m.store.FinishQueueEntry(ctx, sessionID, entryStatus); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).
			Msg("queue entry close failed")
	}
	m.promoteLocked(ctx)
	m.refreshWaitingLocked(ctx)
}

// Boot reconciles persisted state after a restart: crashed runs past the
// grace window are failed with their checkpoint kept, then the head is
// promoted if the slot is free.
func (m *Manager) Boot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteLocked(ctx)
	m.refreshWaitingLocked(ctx)
	return nil
}

// createSession persists the fresh queued row with defaults folded in.
func (m *Manager) createSession(ctx context.Context, sessionID, userID string, cfg model.SessionConfig, now time.Time) error {
	return m.store.PutSession(ctx, &model.Session{
		ID:     sessionID,
		UserID: userID,
		Config: m.seedConfig(cfg),
		State: model.SessionState{
			Status:    model.StatusQueued,
			UpdatedAt: now,
		},
	})
}

// seedConfig folds the daemon defaults into unset fields. Captcha detection
// can only be widened by the daemon default, never switched off by it.
func (m *Manager) seedConfig(cfg model.SessionConfig) model.SessionConfig {
	if cfg.MaxTowns == 0 {
		cfg.MaxTowns = m.scraper.MaxTowns
	}
	if cfg.MaxIndustries == 0 {
		cfg.MaxIndustries = m.scraper.MaxIndustries
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = m.scraper.BatchSize
	}
	cfg.EnableCaptchaDetection = cfg.EnableCaptchaDetection || m.scraper.EnableCaptchaDetection
	return admission.Normalize(cfg)
}

// stateLocked snapshots the admission inputs. recoverStaleLocked must run
// first so past-grace leftovers are already failed.
func (m *Manager) stateLocked(ctx context.Context, userID string, now time.Time) (admission.State, error) {
	var st admission.State

	owned, err := m.store.QuerySessions(ctx, store.SessionFilter{
		UserID:   userID,
		Statuses: []model.SessionStatus{model.StatusQueued, model.StatusRunning, model.StatusPaused},
		Limit:    1,
	})
	if err != nil {
		return st, err
	}
	st.OwnerBusy = len(owned) > 0

	holders, err := m.store.QuerySessions(ctx, store.SessionFilter{
		Statuses: []model.SessionStatus{model.StatusRunning, model.StatusPaused},
	})
	if err != nil {
		return st, err
	}
	for _, s := range holders {
		switch {
		case s.State.Status == model.StatusPaused, s.ID == m.activeID:
			st.SlotHolder = s.ID
		case now.Sub(s.State.UpdatedAt) <= m.cfg.CrashGrace:
			st.GraceHold = true
		}
	}

	st.Waiting, err = m.store.CountWaiting(ctx)
	if err != nil {
		return st, err
	}
	return st, nil
}

// recoverStaleLocked fails running sessions this process did not launch once
// their updatedAt falls outside the grace window. Checkpoints stay in place.
func (m *Manager) recoverStaleLocked(ctx context.Context, now time.Time) error {
	running, err := m.store.QuerySessions(ctx, store.SessionFilter{
		Statuses: []model.SessionStatus{model.StatusRunning},
	})
	if err != nil {
		return err
	}
	for _, s := range running {
		if s.ID == m.activeID || now.Sub(s.State.UpdatedAt) <= m.cfg.CrashGrace {
			continue
		}
		if _, err := m.runner.Transition(ctx, s.ID, orch.EventFail); err != nil {
			m.logger.Error().Err(err).Str(log.FieldSessionID, s.ID).
				Msg("stale session fail transition rejected")
			continue
		}
		if err := m.store.FinishQueueEntry(ctx, s.ID, model.QueueCancelled); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error().Err(err).Str(log.FieldSessionID, s.ID).
				Msg("stale session queue entry close failed")
		}
		m.logger.Warn().Str(log.FieldSessionID, s.ID).
			Time("updatedAt", s.State.UpdatedAt).
			Msg("crashed session marked error after grace, checkpoint kept")
	}
	return nil
}

// promoteLocked starts the head of the waiting line when nothing holds the
// slot. Entries whose start is rejected are cancelled and the next head is
// tried, so one bad row cannot wedge the queue.
func (m *Manager) promoteLocked(ctx context.Context) {
	now := time.Now().UTC()
	if err := m.recoverStaleLocked(ctx, now); err != nil {
		m.logger.Error().Err(err).Msg("stale recovery failed, promotion skipped")
		return
	}
	if m.activeID != "" {
		return
	}
	holders, err := m.store.QuerySessions(ctx, store.SessionFilter{
		Statuses: []model.SessionStatus{model.StatusRunning, model.StatusPaused},
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("slot query failed, promotion skipped")
		return
	}
	if len(holders) > 0 {
		return
	}

	for {
		entry, err := m.store.PromoteHead(ctx)
		if err != nil {
			m.logger.Error().Err(err).Msg("queue promotion failed")
			return
		}
		if entry == nil {
			return
		}
		if err := m.runner.Start(ctx, entry.SessionID); err != nil {
			m.logger.Error().Err(err).Str(log.FieldSessionID, entry.SessionID).
				Msg("promoted session failed to start")
			if _, terr := m.runner.Transition(ctx, entry.SessionID, orch.EventCancel); terr != nil {
				m.logger.Error().Err(terr).Str(log.FieldSessionID, entry.SessionID).
					Msg("promoted session cancel failed")
			}
			if err := m.store.FinishQueueEntry(ctx, entry.SessionID, model.QueueCancelled); err != nil && !errors.Is(err, store.ErrNotFound) {
				m.logger.Error().Err(err).Str(log.FieldSessionID, entry.SessionID).
					Msg("promoted entry close failed")
			}
			continue
		}
		m.activeID = entry.SessionID
		m.logger.Info().Str(log.FieldSessionID, entry.SessionID).
			Msg("queued session promoted")
		return
	}
}

func (m *Manager) refreshWaitingLocked(ctx context.Context) {
	n, err := m.store.CountWaiting(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("waiting count failed")
		return
	}
	metrics.SetQueueWaiting(float64(n))
}

// estimateWait multiplies the position by the mean duration of recent
// completed sessions, falling back to a flat five minutes.
func (m *Manager) estimateWait(ctx context.Context, position int) int64 {
	perSession := defaultSessionMs
	recent, err := m.store.QuerySessions(ctx, store.SessionFilter{
		Statuses: []model.SessionStatus{model.StatusCompleted},
		Limit:    estimateSample,
	})
	if err == nil {
		var sum, n int64
		for _, s := range recent {
			if s.Summary != nil && s.Summary.DurationMs > 0 {
				sum += s.Summary.DurationMs
				n++
			}
		}
		if n > 0 {
			perSession = sum / n
		}
	}
	return int64(position) * perSession
}
