// SPDX-License-Identifier: MIT

// Package orch drives scraping sessions from admission to a terminal status.
// One orchestrator serves the whole daemon; at most one session run is live
// at a time because admission is globally single-active. A run owns its
// worker pool and is the only writer of its session's state, so every status
// change funnels through the same FSM-backed transition path.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/driver"
	"github.com/openleads/scraperd/internal/extract"
	"github.com/openleads/scraperd/internal/fsm"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/lookup"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/retry"
	"github.com/openleads/scraperd/internal/store"
	"github.com/openleads/scraperd/internal/telemetry"
)

// Event is an input to the session state machine.
type Event string

const (
	EventPromote  Event = "promote"
	EventCancel   Event = "cancel"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventStop     Event = "stop"
)

var (
	// ErrNotStarted is returned when the orchestrator's Run loop is not up.
	ErrNotStarted = errors.New("orch: orchestrator not running")
	// ErrLiveRun is returned when the session already has a live run.
	ErrLiveRun = errors.New("orch: session already has a live run")
	// ErrNoLiveRun is returned when an operation needs a live run and the
	// session has none.
	ErrNoLiveRun = errors.New("orch: session has no live run")
	// ErrInvalidTransition wraps FSM rejections so callers can map them to a
	// conflict without parsing messages.
	ErrInvalidTransition = errors.New("orch: invalid transition")
)

// newMachine builds the session FSM seeded with the current status.
// Terminal statuses have no outgoing edges and absorb every event.
func newMachine(initial model.SessionStatus) (*fsm.Machine[model.SessionStatus, Event], error) {
	return fsm.New(initial, []fsm.Transition[model.SessionStatus, Event]{
		{From: model.StatusQueued, Event: EventPromote, To: model.StatusRunning},
		{From: model.StatusQueued, Event: EventCancel, To: model.StatusCancelled},
		{From: model.StatusRunning, Event: EventPause, To: model.StatusPaused},
		{From: model.StatusPaused, Event: EventResume, To: model.StatusRunning},
		{From: model.StatusRunning, Event: EventComplete, To: model.StatusCompleted},
		{From: model.StatusRunning, Event: EventFail, To: model.StatusError},
		{From: model.StatusRunning, Event: EventStop, To: model.StatusStopped},
		{From: model.StatusPaused, Event: EventStop, To: model.StatusStopped},
	})
}

// Deps wires the orchestrator into the daemon.
type Deps struct {
	Store   store.Store
	Bus     bus.Bus
	Retry   *retry.Queue
	Cache   lookup.CarrierCache
	Factory driver.Factory
	Config  config.Config

	// TerminalFn runs after a session reaches a terminal status and its run
	// has fully unwound. The queue manager hangs promotion off it.
	TerminalFn func(sessionID string, status model.SessionStatus)

	// DrainPoll is the cadence for re-checking due retry items once the
	// primary work list is exhausted. Zero means 500ms.
	DrainPoll time.Duration

	// LookupOptions overrides the carrier lookup site settings. Zero values
	// keep the package defaults.
	LookupOptions lookup.Options

	// ExtractOptions overrides the extraction pacing and selectors. Zero
	// values keep the package defaults; HardCap falls back to the config.
	ExtractOptions extract.Options
}

// Orchestrator launches and controls session runs.
type Orchestrator struct {
	store       store.Store
	bus         bus.Bus
	retry       *retry.Queue
	cache       lookup.CarrierCache
	factory     driver.Factory
	cfg         config.Config
	lookupOpts  lookup.Options
	extractOpts extract.Options
	drainPoll   time.Duration
	terminalFn  func(string, model.SessionStatus)
	logger      zerolog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	active  map[string]*liveRun
	wg      sync.WaitGroup
}

// liveRun is the control handle of one in-flight session run.
type liveRun struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	outcome model.SessionStatus
}

// requestOutcome records the end state the user asked for. First request
// wins; a pause followed by a stop resolves as pause, and the stop lands
// through the paused session afterwards.
func (r *liveRun) requestOutcome(s model.SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == "" {
		r.outcome = s
	}
}

func (r *liveRun) requestedOutcome() model.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// New wires an orchestrator. Run must be called before sessions start.
func New(deps Deps) *Orchestrator {
	poll := deps.DrainPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Orchestrator{
		store:       deps.Store,
		bus:         deps.Bus,
		retry:       deps.Retry,
		cache:       deps.Cache,
		factory:     deps.Factory,
		cfg:         deps.Config,
		lookupOpts:  deps.LookupOptions,
		extractOpts: deps.ExtractOptions,
		drainPoll:   poll,
		terminalFn:  deps.TerminalFn,
		logger:      log.WithComponent("orch"),
		active:      make(map[string]*liveRun),
	}
}

// Bind fixes the context session runs derive from. First bind wins; Run
// binds its own context, but boot-time promotion may need the binding
// before Run's goroutine is scheduled.
func (o *Orchestrator) Bind(ctx context.Context) {
	o.mu.Lock()
	if o.baseCtx == nil {
		o.baseCtx = ctx
	}
	o.mu.Unlock()
}

// Run parks until ctx ends, then waits for live session runs to unwind.
// Session runs derive from this context: cancelling it checkpoints every
// live run without changing its stored status, which the boot-time crash
// grace then resolves.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Bind(ctx)

	<-ctx.Done()
	o.wg.Wait()
	return ctx.Err()
}

// Start launches the run for an admitted session. The session must be
// queued (fresh admission or promotion) or paused (resume); the run fires
// the matching FSM event itself before dispatching work.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m, err := newMachine(sess.State.Status)
	if err != nil {
		return err
	}
	if !m.Can(EventPromote) && !m.Can(EventResume) {
		return fmt.Errorf("%w: cannot start session in status %s", ErrInvalidTransition, sess.State.Status)
	}

	o.mu.Lock()
	if o.baseCtx == nil {
		o.mu.Unlock()
		return ErrNotStarted
	}
	if _, exists := o.active[sessionID]; exists {
		o.mu.Unlock()
		return ErrLiveRun
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	handle := &liveRun{cancel: cancel}
	o.active[sessionID] = handle
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel()
		status := o.execute(runCtx, sessionID, handle)
		o.unregister(sessionID)
		if status.IsTerminal() && o.terminalFn != nil {
			o.terminalFn(sessionID, status)
		}
	}()
	return nil
}

// Pause asks the live run to checkpoint and park. The status flips to
// paused only after the workers have drained, so a subsequent resume never
// races a worker still writing.
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m, err := newMachine(sess.State.Status)
	if err != nil {
		return err
	}
	if !m.Can(EventPause) {
		return fmt.Errorf("%w: cannot pause session in status %s", ErrInvalidTransition, sess.State.Status)
	}
	handle := o.lookupRun(sessionID)
	if handle == nil {
		return ErrNoLiveRun
	}
	handle.requestOutcome(model.StatusPaused)
	handle.cancel()
	return nil
}

// Resume relaunches a paused session from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m, err := newMachine(sess.State.Status)
	if err != nil {
		return err
	}
	if !m.Can(EventResume) {
		return fmt.Errorf("%w: cannot resume session in status %s", ErrInvalidTransition, sess.State.Status)
	}
	return o.Start(ctx, sessionID)
}

// Stop ends a running or paused session. A live run drains its workers and
// checkpoints first; a parked (paused) session transitions directly.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	if handle := o.lookupRun(sessionID); handle != nil {
		handle.requestOutcome(model.StatusStopped)
		handle.cancel()
		return nil
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m, err := newMachine(sess.State.Status)
	if err != nil {
		return err
	}
	if !m.Can(EventStop) {
		return fmt.Errorf("%w: cannot stop session in status %s", ErrInvalidTransition, sess.State.Status)
	}
	if err := o.finalizeParked(ctx, sess); err != nil {
		return err
	}
	if _, err := o.Transition(ctx, sessionID, EventStop); err != nil {
		return err
	}
	if o.terminalFn != nil {
		o.terminalFn(sessionID, model.StatusStopped)
	}
	return nil
}

// Transition applies an FSM event to the stored session, persists the new
// status and publishes the lifecycle event. Every status change in the
// daemon takes this path.
func (o *Orchestrator) Transition(ctx context.Context, sessionID string, ev Event) (model.SessionStatus, error) {
	var from, to model.SessionStatus
	sess, err := o.store.UpdateSession(ctx, sessionID, func(s *model.Session) error {
		m, err := newMachine(s.State.Status)
		if err != nil {
			return err
		}
		next, err := m.Fire(ctx, ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		from, to = s.State.Status, next
		now := time.Now().UTC()
		s.State.Status = next
		s.State.UpdatedAt = now
		if next == model.StatusRunning && s.State.StartedAt.IsZero() {
			s.State.StartedAt = now
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.IncSessionTransition(string(from), string(to))
	if to.IsTerminal() {
		metrics.IncSessionOutcome(string(to))
	}
	o.publish(ctx, sessionID, bus.LifecycleEvent{
		SessionID: sessionID,
		From:      from,
		To:        to,
		At:        sess.State.UpdatedAt,
	})
	o.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("session transition")
	return to, nil
}

// execute runs one session to a parked or terminal status and reports it.
func (o *Orchestrator) execute(ctx context.Context, sessionID string, handle *liveRun) model.SessionStatus {
	logger := o.logger.With().Str(log.FieldSessionID, sessionID).Logger()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("session load failed, run aborted")
		return ""
	}

	ev := EventPromote
	if sess.State.Status == model.StatusPaused {
		ev = EventResume
	}
	if _, err := o.Transition(ctx, sessionID, ev); err != nil {
		logger.Error().Err(err).Msg("session activation failed, run aborted")
		return ""
	}
	// Re-read so the run sees StartedAt and the running status.
	if fresh, err := o.store.GetSession(ctx, sessionID); err == nil {
		sess = fresh
	}

	runCtx, span := telemetry.Tracer("scraperd.orch").Start(ctx, "session.run")
	span.SetAttributes(telemetry.SessionAttributes(sess.ID, sess.UserID, string(sess.State.Status))...)
	started := time.Now()

	sr := newSessionRun(o, sess, handle, logger)
	status := sr.run(runCtx)

	span.SetAttributes(telemetry.RunAttributes(string(status), sr.doneCount, time.Since(started).Milliseconds())...)
	if status == model.StatusError {
		span.SetAttributes(telemetry.ErrorAttributes(nil, "run_failed")...)
	}
	span.End()
	return status
}

// finalizeParked computes the summary for a session being stopped without a
// live run, from its checkpoint and store counts.
func (o *Orchestrator) finalizeParked(ctx context.Context, sess *model.Session) error {
	list := model.WorkList(sess.Config.Towns, sess.Config.Industries)
	pairsDone := 0
	processed := 0
	if cp, err := o.store.GetCheckpoint(ctx, sess.ID); err == nil {
		pairsDone = resumeIndex(list, cp)
		processed = cp.ProcessedBusinesses
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_, err := o.store.UpdateSession(ctx, sess.ID, func(s *model.Session) error {
		s.Summary = o.buildSummary(ctx, s, sess.Config.Industries, pairsDone, 0)
		s.State.ProcessedBusinesses = processed
		s.State.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

// buildSummary derives the terminal roll-up from store counts and the run's
// completed-pair prefix. extraErrs folds in failures the store cannot see,
// such as insert errors counted by workers.
func (o *Orchestrator) buildSummary(ctx context.Context, sess *model.Session, industries []string, pairsDone, extraErrs int) *model.SessionSummary {
	total, err := o.store.CountBusinesses(ctx, sess.ID)
	if err != nil {
		o.logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("business count failed for summary")
	}
	exhausted := 0
	if items, err := o.store.ListRetryItems(ctx, sess.ID, true); err == nil {
		for _, it := range items {
			if it.Exhausted {
				exhausted++
			}
		}
	}

	townsDone := 0
	if n := len(industries); n > 0 {
		townsDone = pairsDone / n
	}
	dur := int64(0)
	if !sess.State.StartedAt.IsZero() {
		dur = time.Since(sess.State.StartedAt).Milliseconds()
	}
	return &model.SessionSummary{
		TotalBusinesses:          total,
		TotalTownsCompleted:      townsDone,
		TotalIndustriesCompleted: pairsDone,
		ErrorCount:               exhausted + extraErrs,
		DurationMs:               dur,
	}
}

func (o *Orchestrator) lookupRun(sessionID string) *liveRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID]
}

func (o *Orchestrator) unregister(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, sessionID)
}

func (o *Orchestrator) publish(ctx context.Context, sessionID string, ev bus.Event) {
	if err := o.bus.Publish(ctx, sessionID, ev); err != nil {
		o.logger.Debug().Err(err).Str(log.FieldSessionID, sessionID).
			Str("kind", string(ev.Kind())).Msg("event publish failed")
	}
}
