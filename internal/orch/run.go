// SPDX-License-Identifier: MIT

package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/extract"
	"github.com/openleads/scraperd/internal/lookup"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/nav"
	"github.com/openleads/scraperd/internal/normalize"
	"github.com/openleads/scraperd/internal/store"
	"github.com/openleads/scraperd/internal/worker"
)

type runPhase int

const (
	// phasePrimary works through the town-major list.
	phasePrimary runPhase = iota
	// phaseDrain replays due retry items until the queue is empty.
	phaseDrain
	// phaseDone has closed the assignment channel; workers are exiting.
	phaseDone
)

// workerExit is the final word of one worker goroutine.
type workerExit struct {
	id  int
	err error
}

// lookupDrained reports a finished retry-item lookup drain.
type lookupDrained struct {
	itemID int64
	failed int
}

// sessionRun supervises one session execution: it owns the worker pool, the
// assignment channel and all progress bookkeeping. Every field is touched
// only from the run goroutine, so the struct needs no locking.
type sessionRun struct {
	o      *Orchestrator
	sess   *model.Session
	handle *liveRun
	logger zerolog.Logger

	list      []model.Assignment
	pairIndex map[model.Assignment]int
	done      []bool
	doneCount int
	// watermark is the length of the contiguous done prefix. Checkpoints
	// record the pair at watermark-1 so resume never skips unfinished work.
	watermark int
	processed int
	errCount  int

	dedup *extract.Dedup
	bm    *lookup.BatchManager
	svc   *lookup.Service

	poolSize     int
	softCapBytes uint64
	maxRespawns  int

	assignCh chan worker.Assignment
	events   chan worker.Event
	exits    chan workerExit
	lookCh   chan lookupDrained
	backlog  []worker.Assignment

	cancels      map[int]context.CancelFunc
	heap         map[int]uint64
	inflight     map[int64]struct{}
	nextWorkerID int
	alive        int
	respawns     int
	outstanding  int
	lookupBusy   bool
	phase        runPhase
	closing      bool

	boundaryTown string
	lastCp       time.Time
}

func newSessionRun(o *Orchestrator, sess *model.Session, handle *liveRun, logger zerolog.Logger) *sessionRun {
	return &sessionRun{
		o:        o,
		sess:     sess,
		handle:   handle,
		logger:   logger,
		cancels:  make(map[int]context.CancelFunc),
		heap:     make(map[int]uint64),
		inflight: make(map[int64]struct{}),
	}
}

// run drives the session until its work is finished or the context ends and
// returns the status it left in the store.
func (sr *sessionRun) run(ctx context.Context) model.SessionStatus {
	if err := sr.prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return sr.unwind(ctx)
		}
		return sr.fail(ctx, err)
	}

	for i := 0; i < sr.poolSize; i++ {
		sr.spawnWorker(ctx)
	}
	sr.prime()
	if sr.outstanding == 0 {
		// Resuming past the end of the primary list: straight to retries.
		sr.enterDrain(ctx)
	}

	cpTick := time.NewTicker(sr.cpInterval())
	defer cpTick.Stop()
	drainTick := time.NewTicker(sr.o.drainPoll)
	defer drainTick.Stop()

	for {
		if sr.phase == phaseDone && sr.alive == 0 && sr.outstanding == 0 && !sr.lookupBusy {
			return sr.complete(ctx)
		}
		select {
		case <-ctx.Done():
			return sr.unwind(ctx)
		case ev := <-sr.events:
			sr.onEvent(ctx, ev)
		case ex := <-sr.exits:
			if collapsed := sr.onExit(ctx, ex); collapsed {
				return sr.fail(ctx, fmt.Errorf("worker pool collapsed after %d respawns", sr.respawns))
			}
		case res := <-sr.lookCh:
			sr.onLookupDrained(ctx, res)
		case <-cpTick.C:
			if time.Since(sr.lastCp) >= sr.cpInterval() {
				sr.checkpoint(ctx)
			}
		case <-drainTick.C:
			if sr.phase == phaseDrain {
				sr.pollDue(ctx)
				sr.checkDrainDone(ctx)
			}
		}
	}
}

// prepare loads the checkpoint, reseeds session-global dedup from the store
// and builds the pool plumbing. No goroutines are started here.
func (sr *sessionRun) prepare(ctx context.Context) error {
	cfg := sr.o.cfg
	sr.list = model.WorkList(sr.sess.Config.Towns, sr.sess.Config.Industries)
	if len(sr.list) == 0 {
		return errors.New("work list is empty")
	}
	sr.pairIndex = make(map[model.Assignment]int, len(sr.list))
	for i, a := range sr.list {
		sr.pairIndex[a] = i
	}
	sr.done = make([]bool, len(sr.list))

	start := 0
	var batchState *lookup.State
	cp, err := sr.o.store.GetCheckpoint(ctx, sr.sess.ID)
	switch {
	case err == nil:
		start = resumeIndex(sr.list, cp)
		sr.processed = cp.ProcessedBusinesses
		if len(cp.BatchState) > 0 {
			var st lookup.State
			if uerr := json.Unmarshal(cp.BatchState, &st); uerr == nil {
				batchState = &st
			} else {
				sr.logger.Warn().Err(uerr).Msg("checkpoint batch state unreadable, defaults used")
			}
		}
		sr.logger.Info().Int("resume_index", start).Int("processed", sr.processed).Msg("resuming from checkpoint")
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load checkpoint: %w", err)
	}
	for i := 0; i < start; i++ {
		sr.done[i] = true
	}
	sr.doneCount = start
	sr.watermark = start
	if start > 0 {
		sr.boundaryTown = sr.list[start-1].Town
	}

	sr.dedup = extract.NewDedup()
	if err := sr.seedDedup(ctx); err != nil {
		return err
	}

	lo := sr.o.lookupOpts
	lo.InitialBatch = sr.sess.Config.BatchSize
	lo.CaptchaCheck = sr.sess.Config.EnableCaptchaDetection
	lo.OnChallenge = func(ctx context.Context, remaining int) {
		sr.o.publish(ctx, sr.sess.ID, bus.LogEvent{
			SessionID: sr.sess.ID,
			Level:     bus.LevelWarn,
			Message:   fmt.Sprintf("captcha challenge detected, rotating driver (%d numbers deferred to a fresh driver)", remaining),
		})
	}
	sr.bm = lookup.NewBatchManager(sr.o.factory, sr.newNav(), lo)
	if batchState != nil {
		sr.bm.Restore(*batchState)
	}
	sr.svc = lookup.NewService(sr.sess.ID, sr.o.cache, sr.bm, sr.o.retry)

	pool := sr.sess.Config.MaxTowns * sr.sess.Config.MaxIndustries
	if pool < 1 {
		pool = 1
	}
	if pool > len(sr.list) {
		pool = len(sr.list)
	}
	sr.poolSize = pool
	sr.maxRespawns = pool * 4

	soft := cfg.Scraper.WorkerMemorySoftCapMB
	if soft <= 0 {
		soft = 512
	}
	sr.softCapBytes = uint64(soft) << 20

	// The channel holds the whole primary list so priming never blocks;
	// retry dispatches that find it full wait in the backlog instead.
	sr.assignCh = make(chan worker.Assignment, len(sr.list)+64)
	sr.events = make(chan worker.Event, 256)
	sr.exits = make(chan workerExit, pool+sr.maxRespawns+1)
	sr.lookCh = make(chan lookupDrained, 4)
	sr.lastCp = time.Now()
	return nil
}

// seedDedup replays stored records into the dedup set so a resumed run never
// double-inserts what an earlier run already persisted.
func (sr *sessionRun) seedDedup(ctx context.Context) error {
	const page = 500
	for offset := 0; ; offset += page {
		rows, err := sr.o.store.ListBusinesses(ctx, sr.sess.ID, page, offset)
		if err != nil {
			return fmt.Errorf("seed dedup: %w", err)
		}
		keys := make([]model.DedupKey, 0, len(rows))
		for _, b := range rows {
			keys = append(keys, model.KeyOf(normalize.NameKey(b.Name), b.Phone))
		}
		sr.dedup.Seed(keys...)
		if len(rows) < page {
			return nil
		}
	}
}

func (sr *sessionRun) newNav() *nav.Manager {
	return nav.NewManager(nav.Options{
		BaseDelay:  sr.o.cfg.Nav.BaseDelay,
		MaxRetries: sr.o.cfg.Nav.MaxRetries,
	})
}

func (sr *sessionRun) prime() {
	for i := sr.watermark; i < len(sr.list); i++ {
		sr.assignCh <- worker.Assignment{Pair: sr.list[i]}
		sr.outstanding++
	}
}

func (sr *sessionRun) spawnWorker(ctx context.Context) {
	id := sr.nextWorkerID
	sr.nextWorkerID++
	wctx, cancel := context.WithCancel(ctx)
	sr.cancels[id] = cancel
	eo := sr.o.extractOpts
	if eo.HardCap <= 0 {
		eo.HardCap = sr.o.cfg.Scraper.ScrollHardCap
	}
	w := worker.New(worker.Config{
		ID:        id,
		SessionID: sr.sess.ID,
		Factory:   sr.o.factory,
		Nav:       sr.newNav(),
		Lookup:    sr.svc,
		Store:     sr.o.store,
		Retry:     sr.o.retry,
		Dedup:     sr.dedup,
		Extract:   eo,
		Events:    sr.events,
	})
	sr.alive++
	go func() {
		err := w.Run(wctx, sr.assignCh)
		sr.exits <- workerExit{id: id, err: err}
	}()
	sr.logger.Debug().Int("worker", id).Msg("worker spawned")
}

func (sr *sessionRun) onEvent(ctx context.Context, ev worker.Event) {
	switch ev.Kind {
	case worker.EventListing:
		sr.o.publish(ctx, sr.sess.ID, bus.ProgressEvent{
			SessionID:           sr.sess.ID,
			Percent:             sr.percent(),
			CurrentTown:         ev.Assignment.Pair.Town,
			CurrentIndustry:     ev.Assignment.Pair.Industry,
			ProcessedBusinesses: sr.processed,
		})
	case worker.EventPairDone:
		sr.onPairDone(ctx, ev)
	}
}

func (sr *sessionRun) onPairDone(ctx context.Context, ev worker.Event) {
	sr.outstanding--
	sr.heap[ev.Worker] = ev.HeapBytes
	sr.errCount += ev.StoreErrs
	sr.processed += len(ev.Persisted)
	for i := range ev.Persisted {
		sr.o.publish(ctx, sr.sess.ID, bus.BusinessEvent{SessionID: sr.sess.ID, Record: ev.Persisted[i]})
	}

	cancelled := ev.Err != nil && errors.Is(ev.Err, context.Canceled)
	if id := ev.Assignment.RetryID; id != 0 {
		delete(sr.inflight, id)
		switch {
		case ev.Err == nil:
			sr.resolveRetry(ctx, id, false)
		case cancelled:
			// Cancellation never burns an attempt.
			sr.o.retry.Release(id)
		default:
			sr.resolveRetry(ctx, id, true)
		}
	}

	var townDone string
	switch {
	case ev.Err == nil:
		if idx, ok := sr.pairIndex[ev.Assignment.Pair]; ok && !sr.done[idx] {
			sr.done[idx] = true
			sr.doneCount++
			townDone = sr.advanceWatermark()
		}
	case cancelled:
		// Unwind in progress; the checkpoint covers the pair.
	default:
		if !ev.Result.Enqueued {
			// Nothing queued: the pair is lost for good, count it.
			sr.errCount++
		}
		sr.o.publish(ctx, sr.sess.ID, bus.ErrorEvent{
			SessionID:      sr.sess.ID,
			Classification: classify(ev.Err),
			Message:        ev.Err.Error(),
			Retryable:      ev.Result.Enqueued,
		})
	}

	sr.o.publish(ctx, sr.sess.ID, bus.ProgressEvent{
		SessionID:           sr.sess.ID,
		Percent:             sr.percent(),
		CurrentTown:         ev.Assignment.Pair.Town,
		CurrentIndustry:     ev.Assignment.Pair.Industry,
		ProcessedBusinesses: sr.processed,
	})

	if sr.closing {
		return
	}
	if ev.HeapBytes > sr.softCapBytes {
		sr.terminateWorker(ev.Worker)
	}
	if townDone != "" {
		sr.townComplete(ctx, townDone)
	}
	sr.flushBacklog()
	if sr.phase == phasePrimary && sr.outstanding == 0 {
		sr.enterDrain(ctx)
	} else if sr.phase == phaseDrain {
		sr.checkDrainDone(ctx)
	}
}

// advanceWatermark extends the contiguous done prefix. It returns the town
// whose final pair just entered the prefix when the new watermark sits on a
// town edge, else the empty string.
func (sr *sessionRun) advanceWatermark() string {
	moved := false
	for sr.watermark < len(sr.list) && sr.done[sr.watermark] {
		sr.watermark++
		moved = true
	}
	if !moved || sr.watermark == 0 {
		return ""
	}
	last := sr.list[sr.watermark-1].Town
	atEdge := sr.watermark == len(sr.list) || sr.list[sr.watermark].Town != last
	if atEdge && last != sr.boundaryTown {
		return last
	}
	return ""
}

// townComplete checkpoints at the town boundary and records the pool's peak
// heap as a durable metric.
func (sr *sessionRun) townComplete(ctx context.Context, town string) {
	sr.boundaryTown = town
	sr.recordMemoryMetric(ctx)
	sr.checkpoint(ctx)
	sr.o.publish(ctx, sr.sess.ID, bus.LogEvent{
		SessionID: sr.sess.ID,
		Level:     bus.LevelInfo,
		Message:   fmt.Sprintf("town %q completed", town),
	})
	sr.logger.Info().Str("town", town).Float64("percent", sr.percent()).Msg("town completed")
}

func (sr *sessionRun) onExit(ctx context.Context, ex workerExit) (collapsed bool) {
	sr.alive--
	delete(sr.cancels, ex.id)
	if ex.err == nil || sr.closing || ctx.Err() != nil || sr.phase == phaseDone {
		return false
	}
	sr.respawns++
	if sr.respawns > sr.maxRespawns {
		return true
	}
	sr.logger.Warn().Err(ex.err).Int("worker", ex.id).Int("respawns", sr.respawns).
		Msg("worker lost, spawning replacement")
	sr.spawnWorker(ctx)
	return false
}

// terminateWorker cancels a worker whose heap crossed the soft cap. The
// cancellation lands between pairs, the exit path respawns a fresh one.
func (sr *sessionRun) terminateWorker(id int) {
	cancel, ok := sr.cancels[id]
	if !ok {
		return
	}
	sr.logger.Warn().Int("worker", id).Uint64("heap_bytes", sr.heap[id]).
		Msg("worker heap above soft cap, recycling")
	cancel()
}

func (sr *sessionRun) enterDrain(ctx context.Context) {
	sr.phase = phaseDrain
	sr.logger.Info().Msg("primary work list exhausted, draining retries")
	sr.pollDue(ctx)
	sr.checkDrainDone(ctx)
}

func (sr *sessionRun) pollDue(ctx context.Context) {
	if sr.closing || sr.phase != phaseDrain {
		return
	}
	due, err := sr.o.retry.DueItems(ctx, sr.sess.ID)
	if err != nil {
		sr.logger.Error().Err(err).Msg("due retry query failed")
		return
	}
	for _, it := range due {
		sr.dispatchRetry(ctx, it)
	}
}

func (sr *sessionRun) dispatchRetry(ctx context.Context, it *model.RetryItem) {
	switch it.Type {
	case model.RetryLookup:
		if sr.lookupBusy {
			// One drain at a time keeps the lookup site sequential; the
			// lease goes back until the current drain finishes.
			sr.o.retry.Release(it.ID)
			return
		}
		var p lookup.Payload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			sr.poison(ctx, it, err)
			return
		}
		sr.lookupBusy = true
		sr.outstanding++
		go func(id int64, phones []string) {
			failed := sr.svc.Drain(ctx, phones)
			sr.lookCh <- lookupDrained{itemID: id, failed: len(failed)}
		}(it.ID, p.Phones)
	case model.RetryNavigation:
		var p extract.NavigationPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			sr.poison(ctx, it, err)
			return
		}
		sr.dispatch(worker.Assignment{
			Pair:    model.Assignment{Town: p.Town, Industry: p.Industry},
			RetryID: it.ID,
		})
	case model.RetryExtraction:
		var p extract.ExtractionPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			sr.poison(ctx, it, err)
			return
		}
		sr.dispatch(worker.Assignment{
			Pair:     model.Assignment{Town: p.Town, Industry: p.Industry},
			RetryID:  it.ID,
			DoneKeys: p.DoneKeys,
		})
	default:
		sr.poison(ctx, it, fmt.Errorf("unknown retry type %q", it.Type))
	}
}

// poison burns an attempt on an undecodable item so it exhausts instead of
// looping forever.
func (sr *sessionRun) poison(ctx context.Context, it *model.RetryItem, cause error) {
	sr.logger.Error().Err(cause).Int64("item", it.ID).Str("type", string(it.Type)).
		Msg("retry item not dispatchable")
	if _, err := sr.o.retry.MarkFailed(ctx, it.ID); err != nil {
		sr.logger.Error().Err(err).Int64("item", it.ID).Msg("retry mark-failed errored")
	}
}

func (sr *sessionRun) dispatch(a worker.Assignment) {
	if a.RetryID != 0 {
		sr.inflight[a.RetryID] = struct{}{}
	}
	sr.outstanding++
	select {
	case sr.assignCh <- a:
	default:
		sr.backlog = append(sr.backlog, a)
	}
}

func (sr *sessionRun) flushBacklog() {
	for len(sr.backlog) > 0 {
		select {
		case sr.assignCh <- sr.backlog[0]:
			sr.backlog = sr.backlog[1:]
		default:
			return
		}
	}
}

func (sr *sessionRun) onLookupDrained(ctx context.Context, res lookupDrained) {
	sr.lookupBusy = false
	sr.outstanding--
	if sr.closing {
		// The drain ran against a cancelled context; give the lease back
		// rather than burning an attempt.
		sr.o.retry.Release(res.itemID)
		return
	}
	sr.resolveRetry(ctx, res.itemID, res.failed > 0)
	if sr.phase == phaseDrain {
		sr.checkDrainDone(ctx)
	}
}

func (sr *sessionRun) resolveRetry(ctx context.Context, id int64, failed bool) {
	if failed {
		if _, err := sr.o.retry.MarkFailed(ctx, id); err != nil {
			sr.logger.Error().Err(err).Int64("item", id).Msg("retry mark-failed errored")
		}
		return
	}
	if err := sr.o.retry.MarkSucceeded(ctx, id); err != nil {
		sr.logger.Error().Err(err).Int64("item", id).Msg("retry mark-succeeded errored")
	}
}

// checkDrainDone closes the assignment channel once nothing is in flight and
// the retry queue is empty. Items still backing off keep the drain ticker
// polling.
func (sr *sessionRun) checkDrainDone(ctx context.Context) {
	if sr.phase != phaseDrain || sr.outstanding > 0 || sr.lookupBusy || len(sr.backlog) > 0 {
		return
	}
	pending, err := sr.o.retry.PendingCount(ctx, sr.sess.ID)
	if err != nil {
		sr.logger.Error().Err(err).Msg("pending retry count failed")
		return
	}
	if pending > 0 {
		return
	}
	sr.phase = phaseDone
	close(sr.assignCh)
}

// complete lands the terminal completed status: summary, checkpoint removal
// and the session report.
func (sr *sessionRun) complete(ctx context.Context) model.SessionStatus {
	sr.saveSummary(ctx)
	if _, err := sr.o.Transition(ctx, sr.sess.ID, EventComplete); err != nil {
		sr.logger.Error().Err(err).Msg("completion transition failed")
		return model.StatusRunning
	}
	if err := sr.o.store.DeleteCheckpoint(ctx, sr.sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		sr.logger.Warn().Err(err).Msg("checkpoint delete failed")
	}
	if err := sr.writeReport(ctx); err != nil {
		sr.logger.Warn().Err(err).Msg("session report write failed")
	}
	sr.logger.Info().Int("businesses", sr.processed).Int("errors", sr.errCount).Msg("session completed")
	return model.StatusCompleted
}

// fail drains the pool, preserves the checkpoint for a manual restart and
// lands the error status.
func (sr *sessionRun) fail(ctx context.Context, cause error) model.SessionStatus {
	sr.closing = true
	detached := context.WithoutCancel(ctx)
	sr.logger.Error().Err(cause).Msg("session failed")
	sr.drainWorkers(detached)
	sr.releaseLeases()
	sr.checkpoint(detached)
	sr.o.publish(detached, sr.sess.ID, bus.ErrorEvent{
		SessionID:      sr.sess.ID,
		Classification: "orchestrator",
		Message:        cause.Error(),
		Retryable:      false,
	})
	sr.saveSummary(detached)
	if _, err := sr.o.Transition(detached, sr.sess.ID, EventFail); err != nil {
		sr.logger.Error().Err(err).Msg("failure transition errored")
	}
	return model.StatusError
}

// unwind handles context cancellation: user pause, user stop, or daemon
// shutdown. Workers finish their in-flight listing, the run checkpoints,
// then the requested status lands. Store and bus calls run on a detached
// context because the run context is already dead.
func (sr *sessionRun) unwind(ctx context.Context) model.SessionStatus {
	sr.closing = true
	detached := context.WithoutCancel(ctx)
	sr.drainWorkers(detached)
	sr.releaseLeases()
	sr.checkpoint(detached)

	switch sr.handle.requestedOutcome() {
	case model.StatusPaused:
		if _, err := sr.o.Transition(detached, sr.sess.ID, EventPause); err != nil {
			sr.logger.Error().Err(err).Msg("pause transition errored")
			return model.StatusRunning
		}
		sr.logger.Info().Float64("percent", sr.percent()).Msg("session paused")
		return model.StatusPaused
	case model.StatusStopped:
		sr.saveSummary(detached)
		if _, err := sr.o.Transition(detached, sr.sess.ID, EventStop); err != nil {
			sr.logger.Error().Err(err).Msg("stop transition errored")
			return model.StatusRunning
		}
		sr.logger.Info().Msg("session stopped")
		return model.StatusStopped
	default:
		// Daemon shutdown. The status stays running; the boot crash grace
		// decides what to do with it on the next start.
		sr.logger.Warn().Msg("run interrupted by shutdown, checkpoint saved")
		return model.StatusRunning
	}
}

// drainWorkers cancels every worker context and absorbs events until the
// pool and any lookup drain have fully exited. Bookkeeping still runs so
// partial results land in the store counts.
func (sr *sessionRun) drainWorkers(ctx context.Context) {
	for _, cancel := range sr.cancels {
		cancel()
	}
	for sr.alive > 0 || sr.lookupBusy {
		select {
		case ev := <-sr.events:
			sr.onEvent(ctx, ev)
		case ex := <-sr.exits:
			sr.alive--
			delete(sr.cancels, ex.id)
		case res := <-sr.lookCh:
			sr.onLookupDrained(ctx, res)
		}
	}
	for {
		select {
		case ev := <-sr.events:
			sr.onEvent(ctx, ev)
		default:
			return
		}
	}
}

// releaseLeases returns undispatched retry leases to the queue. Items a
// worker picked up were already resolved through its pair-done event.
func (sr *sessionRun) releaseLeases() {
	for id := range sr.inflight {
		sr.o.retry.Release(id)
		delete(sr.inflight, id)
	}
	for _, a := range sr.backlog {
		if a.RetryID != 0 {
			sr.o.retry.Release(a.RetryID)
		}
	}
	sr.backlog = nil
}

// checkpoint atomically persists the watermark pair, the retry snapshot and
// the adaptive batch state together with the refreshed session state.
func (sr *sessionRun) checkpoint(ctx context.Context) {
	if sr.bm == nil {
		return
	}
	now := time.Now().UTC()
	cp := &model.Checkpoint{
		SessionID:           sr.sess.ID,
		ProcessedBusinesses: sr.processed,
		UpdatedAt:           now,
	}
	if sr.watermark > 0 {
		cp.CurrentTown = sr.list[sr.watermark-1].Town
		cp.CurrentIndustry = sr.list[sr.watermark-1].Industry
	}
	if snap, err := sr.o.retry.Snapshot(ctx, sr.sess.ID); err == nil {
		cp.RetrySnapshot = snap
	} else {
		sr.logger.Warn().Err(err).Msg("retry snapshot failed, checkpoint proceeds without it")
	}
	if raw, err := json.Marshal(sr.bm.State()); err == nil {
		cp.BatchState = raw
	}

	sr.sess.State.ProgressPercent = sr.percent()
	sr.sess.State.ProcessedBusinesses = sr.processed
	if sr.watermark < len(sr.list) {
		sr.sess.State.CurrentTown = sr.list[sr.watermark].Town
		sr.sess.State.CurrentIndustry = sr.list[sr.watermark].Industry
	} else {
		sr.sess.State.CurrentTown = ""
		sr.sess.State.CurrentIndustry = ""
	}
	sr.sess.State.UpdatedAt = now
	if err := sr.o.store.UpdateSessionWithCheckpoint(ctx, sr.sess, cp); err != nil {
		sr.logger.Error().Err(err).Msg("checkpoint write failed")
		return
	}
	sr.lastCp = time.Now()
	sr.logger.Debug().Str("town", cp.CurrentTown).Str("industry", cp.CurrentIndustry).
		Float64("percent", sr.sess.State.ProgressPercent).Msg("checkpoint saved")
}

func (sr *sessionRun) saveSummary(ctx context.Context) {
	if _, err := sr.o.store.UpdateSession(ctx, sr.sess.ID, func(s *model.Session) error {
		s.Summary = sr.o.buildSummary(ctx, s, sr.sess.Config.Industries, sr.doneCount, sr.errCount)
		s.State.ProgressPercent = sr.percent()
		s.State.ProcessedBusinesses = sr.processed
		s.State.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		sr.logger.Error().Err(err).Msg("summary save failed")
	}
}

// recordMemoryMetric stores the pool's peak heap sample as a durable metric
// row, sampled at town boundaries.
func (sr *sessionRun) recordMemoryMetric(ctx context.Context) {
	var peak uint64
	for _, h := range sr.heap {
		if h > peak {
			peak = h
		}
	}
	if peak == 0 {
		return
	}
	rec := &model.MetricRecord{
		SessionID: sr.sess.ID,
		Type:      model.MetricMemory,
		Name:      "worker_heap_bytes",
		Value:     float64(peak),
		Success:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := sr.o.store.InsertMetric(ctx, rec); err != nil {
		sr.logger.Warn().Err(err).Msg("memory metric insert failed")
	}
}

func (sr *sessionRun) percent() float64 {
	if len(sr.list) == 0 {
		return 0
	}
	return 100 * float64(sr.doneCount) / float64(len(sr.list))
}

func (sr *sessionRun) cpInterval() time.Duration {
	if d := sr.o.cfg.Scraper.CheckpointInterval; d > 0 {
		return d
	}
	return 30 * time.Second
}

// classify maps a pair failure to its error event classification.
func classify(err error) string {
	var ne *nav.Error
	if errors.As(err, &ne) {
		return "navigation"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "extraction"
}

// resumeIndex returns how many leading work list pairs the checkpoint
// covers: the index just past the recorded pair, or 0 when the checkpoint is
// empty or no longer matches the configured list.
func resumeIndex(list []model.Assignment, cp *model.Checkpoint) int {
	if cp == nil || cp.CurrentTown == "" {
		return 0
	}
	for i, a := range list {
		if a.Town == cp.CurrentTown && a.Industry == cp.CurrentIndustry {
			return i + 1
		}
	}
	return 0
}
