// SPDX-License-Identifier: MIT

// Package extract runs the scroll-and-harvest loop that turns one
// (town, industry) assignment into a deduplicated stream of business records.
// The extractor borrows the worker's driver and navigation manager; it owns
// the pair-local dedup set and the retry bookkeeping for its own failures.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/driver"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/nav"
	"github.com/openleads/scraperd/internal/normalize"
)

// Defaults for the maps-style results feed the extractor drives.
const (
	DefaultSearchURL       = "https://www.google.com/maps/search/%s"
	DefaultResultsSelector = `div[role="feed"]`
	DefaultHardCap         = 200
	DefaultScrollSettle    = time.Second
	DefaultSettleDelay     = 3 * time.Second
)

// Page expressions. The feed holds one place anchor per listing; scrolling
// the feed to its bottom makes the site append the next slice.
const (
	exprScroll = `(() => { const f = document.querySelector('div[role="feed"]'); if (f) f.scrollTo(0, f.scrollHeight); return true; })()`
	exprCount  = `document.querySelectorAll('div[role="feed"] a[href*="/maps/place/"]').length`
)

// exprListing extracts one listing's fields by feed position. Nodes can
// vanish between counting and reading, so null is a valid result.
func exprListing(i int) string {
	return fmt.Sprintf(`(() => {
  const links = document.querySelectorAll('div[role="feed"] a[href*="/maps/place/"]');
  const a = links[%d];
  if (!a) return null;
  const card = a.closest('div[jsaction]') || a.parentElement;
  const text = card ? card.innerText : '';
  const lines = text.split('\n').filter(function (s) { return s.trim(); });
  const phone = (text.match(/(\+?\d[\d\s()-]{7,}\d)/) || [''])[0];
  const addr = lines.find(function (s) { return /\d+\s+\w+/.test(s); }) || '';
  return {
    name: a.getAttribute('aria-label') || lines[0] || '',
    phone: phone,
    address: addr,
    mapUrl: a.href,
  };
})()`, i)
}

// Listing is one raw harvested result before enrichment.
type Listing struct {
	Name    string
	Phone   string
	Address string
	MapURL  string
}

// NavigationPayload is the retry payload recorded when a pair's navigation
// fails: the whole pair is re-run.
type NavigationPayload struct {
	Town     string `json:"town"`
	Industry string `json:"industry"`
}

// ExtractionPayload resumes a partially harvested pair. DoneKeys holds the
// dedup keys already emitted so the retry run does not emit them again.
type ExtractionPayload struct {
	Town     string           `json:"town"`
	Industry string           `json:"industry"`
	DoneKeys []model.DedupKey `json:"doneKeys,omitempty"`
}

// Sink receives every deduplicated record, in harvest order. Implementations
// enrich and persist; a sink error aborts the pair.
type Sink func(ctx context.Context, b model.Business) error

// RetryEnqueuer records failed pair work for later re-dispatch.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, sessionID string, typ model.RetryType, payload []byte) (*model.RetryItem, error)
}

// Dedup is the session-global set of emitted dedup keys, shared by every
// worker of one run. Safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen map[model.DedupKey]struct{}
}

// NewDedup returns an empty set.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[model.DedupKey]struct{})}
}

// Add records key and reports whether it was new.
func (d *Dedup) Add(key model.DedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Seed pre-loads keys, used when resuming a session from its checkpoint.
func (d *Dedup) Seed(keys ...model.DedupKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.seen[k] = struct{}{}
	}
}

// Len returns the number of recorded keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Options shapes an Extractor. Zero values fall back to the defaults above.
type Options struct {
	SessionID string

	// SearchURL is a format template with one %s verb taking the escaped
	// search query.
	SearchURL       string
	ResultsSelector string

	// HardCap bounds listings harvested per pair.
	HardCap int
	// ScrollSettle is the pause after each scroll before recounting.
	ScrollSettle time.Duration
	// SettleDelay is the fallback wait when the results selector never
	// appears.
	SettleDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.SearchURL == "" {
		o.SearchURL = DefaultSearchURL
	}
	if o.ResultsSelector == "" {
		o.ResultsSelector = DefaultResultsSelector
	}
	if o.HardCap <= 0 {
		o.HardCap = DefaultHardCap
	}
	if o.ScrollSettle <= 0 {
		o.ScrollSettle = DefaultScrollSettle
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
}

// Result summarises one pair run. Partial results are already streamed to the
// sink by the time Run returns, whatever the error.
type Result struct {
	// Harvested counts listings read from the page before dedup.
	Harvested int
	// Emitted counts records accepted by the sink.
	Emitted int
	// Enqueued reports that a retry item was recorded for this pair, so the
	// caller must not enqueue again.
	Enqueued bool
}

// Extractor drives the harvest loop for one worker. One instance per worker;
// Run is called once per assignment.
type Extractor struct {
	nav    *nav.Manager
	retry  RetryEnqueuer
	sink   Sink
	dedup  *Dedup
	opts   Options
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns an Extractor emitting to sink and recording failures on rq.
func New(nm *nav.Manager, rq RetryEnqueuer, sink Sink, dedup *Dedup, opts Options) *Extractor {
	opts.fillDefaults()
	return &Extractor{
		nav:    nm,
		retry:  rq,
		sink:   sink,
		dedup:  dedup,
		opts:   opts,
		logger: log.WithComponent("extract"),
		sleep:  sleepCtx,
	}
}

// ComposeSearchURL builds the search URL for one assignment.
func ComposeSearchURL(tmpl, town, industry string) string {
	q := url.QueryEscape(industry + " in " + town)
	return fmt.Sprintf(tmpl, q)
}

// Run processes one assignment: navigate, scroll-harvest, extract each
// listing, dedup and emit. done seeds the pair-local dedup set when the pair
// is a retried extraction item. Cancellation finishes the listing in flight,
// keeps everything already emitted and does not enqueue a retry.
func (e *Extractor) Run(ctx context.Context, pg driver.PageDriver, asg model.Assignment, done []model.DedupKey) (Result, error) {
	var res Result
	local := make(map[model.DedupKey]struct{}, len(done))
	for _, k := range done {
		local[k] = struct{}{}
	}

	target := ComposeSearchURL(e.opts.SearchURL, asg.Town, asg.Industry)
	waits := []nav.WaitStrategy{
		nav.SelectorWait{Selector: e.opts.ResultsSelector},
		nav.DelayWait{Delay: e.opts.SettleDelay},
	}
	if err := e.nav.Navigate(ctx, pg, target, waits); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Enqueued = e.enqueue(ctx, model.RetryNavigation, NavigationPayload{Town: asg.Town, Industry: asg.Industry})
		return res, fmt.Errorf("extract: navigate %q/%q: %w", asg.Town, asg.Industry, err)
	}

	count, err := e.scroll(ctx, pg)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// A terminal driver failure mid-scroll re-runs the whole pair; the
		// listings were never read so nothing is lost.
		res.Enqueued = e.enqueue(ctx, model.RetryNavigation, NavigationPayload{Town: asg.Town, Industry: asg.Industry})
		return res, fmt.Errorf("extract: scroll %q/%q: %w", asg.Town, asg.Industry, err)
	}

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		listing, err := e.extractOne(ctx, pg, i)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Enqueued = e.enqueue(ctx, model.RetryExtraction, ExtractionPayload{
				Town:     asg.Town,
				Industry: asg.Industry,
				DoneKeys: keysOf(local),
			})
			return res, fmt.Errorf("extract: listing %d of %d in %q/%q: %w", i+1, count, asg.Town, asg.Industry, err)
		}
		if listing == nil {
			continue
		}
		res.Harvested++

		name := strings.TrimSpace(listing.Name)
		phone := normalize.Phone(listing.Phone)
		key := model.KeyOf(normalize.NameKey(name), phone)
		if key.NameLower == "" {
			continue
		}
		if _, dup := local[key]; dup {
			continue
		}
		local[key] = struct{}{}
		if !e.dedup.Add(key) {
			continue
		}

		b := model.Business{
			SessionID: e.opts.SessionID,
			Name:      name,
			Phone:     phone,
			Address:   strings.TrimSpace(listing.Address),
			Town:      asg.Town,
			Industry:  asg.Industry,
			MapURL:    listing.MapURL,
		}
		if err := e.sink(ctx, b); err != nil {
			return res, fmt.Errorf("extract: emit %q: %w", name, err)
		}
		res.Emitted++
		metrics.IncBusinessExtracted()
	}

	e.logger.Debug().
		Str("town", asg.Town).
		Str("industry", asg.Industry).
		Int("harvested", res.Harvested).
		Int("emitted", res.Emitted).
		Msg("pair harvested")
	return res, nil
}

// scroll grows the feed until two consecutive scrolls add nothing, the hard
// cap is reached or the context ends. Soft evaluation errors stop the growth
// and leave the visible listings extractable; terminal driver errors abort.
func (e *Extractor) scroll(ctx context.Context, pg driver.PageDriver) (int, error) {
	count, err := e.listingCount(ctx, pg)
	if err != nil {
		return 0, err
	}
	zeroStreak := 0
	for count < e.opts.HardCap && ctx.Err() == nil {
		if _, err := pg.Evaluate(ctx, exprScroll); err != nil {
			if nav.Classify(err) == nav.ClassTerminal {
				return count, err
			}
			e.logger.Debug().Err(err).Msg("scroll evaluation failed")
			break
		}
		if err := e.sleep(ctx, e.opts.ScrollSettle); err != nil {
			break
		}
		next, err := e.listingCount(ctx, pg)
		if err != nil {
			if nav.Classify(err) == nav.ClassTerminal {
				return count, err
			}
			e.logger.Debug().Err(err).Msg("listing recount failed")
			break
		}
		if next <= count {
			zeroStreak++
			if zeroStreak >= 2 {
				break
			}
		} else {
			zeroStreak = 0
			count = next
		}
	}
	if count > e.opts.HardCap {
		count = e.opts.HardCap
	}
	return count, nil
}

func (e *Extractor) listingCount(ctx context.Context, pg driver.PageDriver) (int, error) {
	v, err := pg.Evaluate(ctx, exprCount)
	if err != nil {
		return 0, err
	}
	return asInt(v), nil
}

// extractOne reads the fields of the listing at feed position i. A nil
// Listing means the node vanished between counting and reading.
func (e *Extractor) extractOne(ctx context.Context, pg driver.PageDriver, i int) (*Listing, error) {
	v, err := pg.Evaluate(ctx, exprListing(i))
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil
	}
	return &Listing{
		Name:    asString(m["name"]),
		Phone:   asString(m["phone"]),
		Address: asString(m["address"]),
		MapURL:  asString(m["mapUrl"]),
	}, nil
}

// enqueue records a retry item, reporting whether it was stored. Enqueue
// failures are logged and swallowed: losing a retry must not mask the
// original failure.
func (e *Extractor) enqueue(ctx context.Context, typ model.RetryType, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("type", string(typ)).Msg("retry payload marshal failed")
		return false
	}
	if _, err := e.retry.Enqueue(ctx, e.opts.SessionID, typ, raw); err != nil {
		e.logger.Error().Err(err).Str("type", string(typ)).Msg("retry enqueue failed")
		return false
	}
	return true
}

func keysOf(set map[model.DedupKey]struct{}) []model.DedupKey {
	out := make([]model.DedupKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
