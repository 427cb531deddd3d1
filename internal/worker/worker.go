// SPDX-License-Identifier: MIT

// Package worker drives one extraction browser through a stream of
// (town, industry) assignments. A worker owns exactly one page driver for
// listing extraction; carrier lookups spawn their own short-lived drivers
// batch by batch. Workers talk to the pool owner only through the event
// channel handed to New, never through a back-reference, so the owner can
// sit in a single drain loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/driver"
	"github.com/openleads/scraperd/internal/extract"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/lookup"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/nav"
)

// EventKind discriminates worker reports.
type EventKind string

const (
	// EventListing reports one listing harvested, before enrichment.
	EventListing EventKind = "listing"
	// EventPairDone reports a finished assignment, clean or failed.
	EventPairDone EventKind = "pair_done"
)

// Event is one report on the worker's send handle. Listing events carry the
// raw record; pair events carry the extraction result, the enriched records
// that reached the store and the process heap size sampled at the boundary.
type Event struct {
	Worker     int
	Kind       EventKind
	Assignment Assignment
	Business   *model.Business
	Persisted  []model.Business
	Result     extract.Result
	Err        error
	StoreErrs  int
	HeapBytes  uint64
}

// Assignment is one dispatched unit of work. RetryID is non-zero when the
// unit replays a queued retry item; DoneKeys seeds the pair-local dedup set
// when a partially harvested pair resumes.
type Assignment struct {
	Pair     model.Assignment
	RetryID  int64
	DoneKeys []model.DedupKey
}

// BusinessStore persists enriched records.
type BusinessStore interface {
	InsertBusiness(ctx context.Context, b *model.Business) (inserted bool, err error)
}

// RetryEnqueuer records pair work that has to be re-dispatched later.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, sessionID string, typ model.RetryType, payload []byte) (*model.RetryItem, error)
}

// Config wires one worker.
type Config struct {
	ID        int
	SessionID string
	Factory   driver.Factory
	Nav       *nav.Manager
	Lookup    *lookup.Service
	Store     BusinessStore
	Retry     RetryEnqueuer
	Dedup     *extract.Dedup
	Extract   extract.Options
	Events    chan<- Event
}

// Worker processes assignments sequentially against one page driver.
// Run is single-goroutine; a Worker must not be shared.
type Worker struct {
	id        int
	sessionID string
	factory   driver.Factory
	lookup    *lookup.Service
	store     BusinessStore
	retry     RetryEnqueuer
	events    chan<- Event
	extractor *extract.Extractor
	logger    zerolog.Logger

	current Assignment
	pending []model.Business
}

// New wires a worker and its extractor. The caller must keep draining the
// events channel until Run returns.
func New(cfg Config) *Worker {
	w := &Worker{
		id:        cfg.ID,
		sessionID: cfg.SessionID,
		factory:   cfg.Factory,
		lookup:    cfg.Lookup,
		store:     cfg.Store,
		retry:     cfg.Retry,
		events:    cfg.Events,
		logger: log.WithComponent("worker").With().
			Str(log.FieldWorkerID, strconv.Itoa(cfg.ID)).
			Str(log.FieldSessionID, cfg.SessionID).Logger(),
	}
	if cfg.Extract.SessionID == "" {
		cfg.Extract.SessionID = cfg.SessionID
	}
	w.extractor = extract.New(cfg.Nav, cfg.Retry, w.collect, cfg.Dedup, cfg.Extract)
	return w
}

// Run consumes assignments until the stream closes, the context ends or the
// extraction driver dies. A dead driver returns the driver error so the pool
// can respawn a replacement; a drained stream returns nil.
func (w *Worker) Run(ctx context.Context, assignments <-chan Assignment) error {
	pg, err := w.openDriver(ctx)
	if err != nil {
		return fmt.Errorf("worker %d: open driver: %w", w.id, err)
	}
	defer w.closeDriver(pg)

	w.logger.Info().Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case asg, ok := <-assignments:
			if !ok {
				w.logger.Info().Msg("assignment stream drained")
				return nil
			}
			err := w.process(ctx, pg, asg)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isDriverDead(err) {
				w.logger.Warn().Err(err).
					Str("town", asg.Pair.Town).
					Str("industry", asg.Pair.Industry).
					Msg("extraction driver lost")
				return err
			}
			// Pair-level failure. Already reported on the event channel
			// and queued for retry, so the worker moves on.
		}
	}
}

// process runs one assignment end to end: harvest, enrich, persist, report.
// Partial harvests survive every failure mode, including cancellation.
func (w *Worker) process(ctx context.Context, pg driver.PageDriver, asg Assignment) error {
	w.current = asg
	w.pending = w.pending[:0]

	res, runErr := w.extractor.Run(ctx, pg, asg.Pair, asg.DoneKeys)

	persisted, storeErrs := w.finish(ctx, w.pending)

	if runErr != nil && !res.Enqueued && ctx.Err() == nil && isDriverDead(runErr) {
		res.Enqueued = w.enqueueNavigation(ctx, asg.Pair)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	metrics.SetWorkerMemory(strconv.Itoa(w.id), float64(ms.HeapAlloc))

	w.events <- Event{
		Worker:     w.id,
		Kind:       EventPairDone,
		Assignment: asg,
		Persisted:  persisted,
		Result:     res,
		Err:        runErr,
		StoreErrs:  storeErrs,
		HeapBytes:  ms.HeapAlloc,
	}
	return runErr
}

// collect is the extraction sink. Records buffer in the pair's pending slice
// until enrichment; the listing event goes out immediately so progress never
// waits on a lookup batch.
func (w *Worker) collect(_ context.Context, b model.Business) error {
	w.pending = append(w.pending, b)
	w.events <- Event{
		Worker:     w.id,
		Kind:       EventListing,
		Assignment: w.current,
		Business:   &b,
	}
	return nil
}

// finish enriches the harvested records with carriers and writes them
// through. The store writes run on a detached context: listings already paid
// for with browser time are not dropped by a pause or stop.
func (w *Worker) finish(ctx context.Context, harvested []model.Business) ([]model.Business, int) {
	if len(harvested) == 0 {
		return nil, 0
	}
	phones := make([]string, 0, len(harvested))
	for _, b := range harvested {
		if b.Phone != "" {
			phones = append(phones, b.Phone)
		}
	}
	carriers := w.lookup.Lookup(ctx, phones)

	storeCtx := context.WithoutCancel(ctx)
	persisted := make([]model.Business, 0, len(harvested))
	storeErrs := 0
	for i := range harvested {
		b := harvested[i]
		if c, ok := carriers[b.Phone]; ok && c != "" {
			b.Provider = c
		} else {
			b.Provider = model.ProviderUnknown
		}
		inserted, err := w.store.InsertBusiness(storeCtx, &b)
		if err != nil {
			storeErrs++
			w.logger.Error().Err(err).Str("name", b.Name).Msg("business insert failed")
			continue
		}
		if inserted {
			persisted = append(persisted, b)
		}
	}
	return persisted, storeErrs
}

// enqueueNavigation records the whole pair for a later re-run. Extraction
// normally queues its own failures; this path covers a dead driver whose
// failure never reached the queue.
func (w *Worker) enqueueNavigation(ctx context.Context, pair model.Assignment) bool {
	raw, err := json.Marshal(extract.NavigationPayload{Town: pair.Town, Industry: pair.Industry})
	if err != nil {
		w.logger.Error().Err(err).Msg("navigation retry payload marshal failed")
		return false
	}
	if _, err := w.retry.Enqueue(ctx, w.sessionID, model.RetryNavigation, raw); err != nil {
		w.logger.Error().Err(err).Msg("navigation retry enqueue failed")
		return false
	}
	return true
}

func (w *Worker) openDriver(ctx context.Context) (driver.PageDriver, error) {
	pg, err := w.factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := pg.Open(ctx); err != nil {
		_ = pg.Close(ctx)
		return nil, err
	}
	return pg, nil
}

func (w *Worker) closeDriver(pg driver.PageDriver) {
	if err := pg.Close(context.Background()); err != nil {
		w.logger.Debug().Err(err).Msg("driver close failed")
	}
}

func isDriverDead(err error) bool {
	return errors.Is(err, driver.ErrCrashed) || errors.Is(err, driver.ErrClosed)
}
