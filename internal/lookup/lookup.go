// SPDX-License-Identifier: MIT

// Package lookup resolves carriers for extracted phone numbers through an
// external lookup site. The cache absorbs most traffic; misses run through
// the batch manager, which rotates a fresh driver per batch because the site
// tolerates only a handful of submissions per browser session before
// challenging.
package lookup

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openleads/scraperd/internal/captcha"
	"github.com/openleads/scraperd/internal/driver"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/nav"
	"github.com/openleads/scraperd/internal/normalize"
)

// Batch sizing bounds. The ceiling is a hard invariant: no batch may carry
// more than five submissions through one driver.
const (
	MinBatchSize = 3
	MaxBatchSize = 5
)

// Defaults for the lookup site protocol. The home URL is a stand-in; deploys
// point it at the real porting-status site through configuration.
const (
	DefaultHomeURL       = "https://www.numberlookup.co.za/"
	DefaultInputSelector = `input[name="msisdn"]`
	DefaultResultSettle  = 2 * time.Second
	DefaultIntraDelay    = 500 * time.Millisecond
	DefaultInterMin      = 2 * time.Second
	DefaultInterMax      = 5 * time.Second
	DefaultMaxRestarts   = 3
)

// servicedRe matches the site's result line. The carrier may be a slashed
// chain ("Vodacom/Telkom Mobile"); the last segment is the current carrier.
var servicedRe = regexp.MustCompile(`(?i)serviced\s+by\s+([^\n\r]+)`)

// ParseCarrier extracts the carrier from result page text. No match means
// the number is unresolved.
func ParseCarrier(text string) string {
	m := servicedRe.FindStringSubmatch(text)
	if m == nil {
		return model.ProviderUnknown
	}
	carrier := m[1]
	if i := strings.LastIndex(carrier, "/"); i >= 0 {
		carrier = carrier[i+1:]
	}
	carrier = strings.Trim(carrier, " \t.,:;!")
	if carrier == "" {
		return model.ProviderUnknown
	}
	return carrier
}

// OutcomeKind discriminates per-lookup results.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeCaptcha   OutcomeKind = "captcha"
	OutcomeUnknown   OutcomeKind = "unknown"
	OutcomeTransient OutcomeKind = "transient"
)

// Outcome is the result of one submission.
type Outcome struct {
	Kind    OutcomeKind
	Carrier string // set on success
	Cause   error  // set on transient
}

// NeedsFreshDriver reports whether the outcome burns the current driver: a
// detected challenge, an explicit block, or a dead engine.
func (o Outcome) NeedsFreshDriver() bool {
	if o.Kind == OutcomeCaptcha {
		return true
	}
	return o.Cause != nil && nav.IsTerminal(o.Cause)
}

// Resolved reports whether the submission completed with an answer,
// including Unknown. Batch adaptation counts resolved submissions.
func (o Outcome) Resolved() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeUnknown
}

// State is the durable slice of the manager's adaptation, carried in session
// checkpoints so a resume keeps the learned batch size.
type State struct {
	BatchSize int `json:"batchSize"`
}

// Options shapes a BatchManager. Zero values fall back to the defaults.
type Options struct {
	HomeURL       string
	InputSelector string

	// InitialBatch seeds the adaptive batch size, clamped to [3,5].
	InitialBatch int
	// CaptchaCheck enables the pre-submit detector pass. Driver rotation is
	// the primary defence, so this defaults off.
	CaptchaCheck bool
	// OnChallenge, when set, is invoked each time a captcha challenge forces
	// a driver rotation. remaining counts the batch's unresolved phones.
	OnChallenge func(ctx context.Context, remaining int)

	ResultSettle time.Duration
	IntraDelay   time.Duration
	InterMin     time.Duration
	InterMax     time.Duration
	MaxRestarts  int
}

func (o *Options) fillDefaults() {
	if o.HomeURL == "" {
		o.HomeURL = DefaultHomeURL
	}
	if o.InputSelector == "" {
		o.InputSelector = DefaultInputSelector
	}
	if o.InitialBatch < MinBatchSize || o.InitialBatch > MaxBatchSize {
		o.InitialBatch = MaxBatchSize
	}
	if o.ResultSettle <= 0 {
		o.ResultSettle = DefaultResultSettle
	}
	if o.IntraDelay <= 0 {
		o.IntraDelay = DefaultIntraDelay
	}
	if o.InterMin <= 0 {
		o.InterMin = DefaultInterMin
	}
	if o.InterMax <= 0 {
		o.InterMax = DefaultInterMax
	}
	if o.InterMax < o.InterMin {
		o.InterMax = o.InterMin
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
}

// BatchManager groups cache misses into adaptive batches, one fresh driver
// per batch. One instance per session run; the lookup goroutine owns it.
type BatchManager struct {
	factory  driver.Factory
	nav      *nav.Manager
	detector *captcha.Detector
	opts     Options
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	randDur  func(min, max time.Duration) time.Duration

	mu        sync.Mutex
	batchSize int
}

// NewBatchManager returns a manager spawning drivers from factory and
// navigating through nm.
func NewBatchManager(factory driver.Factory, nm *nav.Manager, opts Options) *BatchManager {
	opts.fillDefaults()
	return &BatchManager{
		factory:   factory,
		nav:       nm,
		detector:  captcha.New("lookup"),
		opts:      opts,
		logger:    log.WithComponent("lookup-batch"),
		sleep:     sleepCtx,
		randDur:   randBetween,
		batchSize: opts.InitialBatch,
	}
}

// BatchSize returns the current adaptive batch size.
func (m *BatchManager) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

// State snapshots the adaptation for checkpointing.
func (m *BatchManager) State() State {
	return State{BatchSize: m.BatchSize()}
}

// Restore applies a checkpointed state, clamped to the legal range.
func (m *BatchManager) Restore(st State) {
	size := st.BatchSize
	if size < MinBatchSize {
		size = MinBatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	m.mu.Lock()
	m.batchSize = size
	m.mu.Unlock()
}

// adapt moves the batch size after one completed batch: shrink when fewer
// than half the submissions resolved, grow when at least 80% did.
func (m *BatchManager) adapt(resolved, total int) {
	if total == 0 {
		return
	}
	ratio := float64(resolved) / float64(total)
	m.mu.Lock()
	switch {
	case ratio < 0.5 && m.batchSize > MinBatchSize:
		m.batchSize--
	case ratio >= 0.8 && m.batchSize < MaxBatchSize:
		m.batchSize++
	}
	size := m.batchSize
	m.mu.Unlock()
	metrics.SetLookupBatchSize(float64(size))
}

// batchResult accumulates one batch's outcomes.
type batchResult struct {
	carriers map[string]string
	failed   []string
	restarts int
}

// Process resolves phones through the site in adaptive batches. carriers
// holds every completed submission including Unknown results; failed lists
// phones whose submissions never completed (transient errors, restart budget
// exhaustion, cancellation).
func (m *BatchManager) Process(ctx context.Context, phones []string) (carriers map[string]string, failed []string) {
	carriers = make(map[string]string, len(phones))
	for start := 0; start < len(phones); {
		if start > 0 {
			if err := m.sleep(ctx, m.randDur(m.opts.InterMin, m.opts.InterMax)); err != nil {
				failed = append(failed, phones[start:]...)
				return carriers, failed
			}
		}
		end := start + m.BatchSize()
		if end > len(phones) {
			end = len(phones)
		}

		res := m.runBatch(ctx, phones[start:end])
		for p, c := range res.carriers {
			carriers[p] = c
		}
		failed = append(failed, res.failed...)
		m.adapt(len(res.carriers), end-start)
		metrics.IncLookupBatch(batchLabel(res, end-start))

		if ctx.Err() != nil {
			failed = append(failed, phones[end:]...)
			return carriers, failed
		}
		start = end
	}
	return carriers, failed
}

func batchLabel(res batchResult, total int) string {
	switch {
	case len(res.carriers) == total:
		return "complete"
	case len(res.carriers) == 0:
		return "failed"
	default:
		return "partial"
	}
}

// runBatch processes one batch through one driver, rotating on challenges up
// to the restart budget.
func (m *BatchManager) runBatch(ctx context.Context, phones []string) batchResult {
	res := batchResult{carriers: make(map[string]string, len(phones))}

	pg, err := m.openDriver(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("driver spawn failed")
		res.failed = append(res.failed, phones...)
		return res
	}
	defer func() {
		if pg != nil {
			m.closeDriver(pg)
		}
	}()

	lim := rate.NewLimiter(rate.Every(m.opts.IntraDelay), 1)
	for i := 0; i < len(phones); {
		if err := lim.Wait(ctx); err != nil {
			res.failed = append(res.failed, phones[i:]...)
			return res
		}

		out := m.lookupOne(ctx, pg, phones[i])
		if out.NeedsFreshDriver() {
			res.restarts++
			if out.Kind == OutcomeCaptcha {
				metrics.IncLookup("captcha")
				m.logger.Warn().Int("remaining", len(phones)-i).Msg("captcha challenge, rotating driver")
				if m.opts.OnChallenge != nil {
					m.opts.OnChallenge(ctx, len(phones)-i)
				}
			}
			if res.restarts > m.opts.MaxRestarts {
				m.logger.Warn().
					Int("restarts", res.restarts-1).
					Int("remaining", len(phones)-i).
					Msg("restart budget exhausted, deferring remainder")
				res.failed = append(res.failed, phones[i:]...)
				return res
			}
			m.closeDriver(pg)
			pg = nil
			pg, err = m.openDriver(ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("driver respawn failed")
				res.failed = append(res.failed, phones[i:]...)
				return res
			}
			continue // same phone, fresh driver
		}

		switch out.Kind {
		case OutcomeSuccess:
			res.carriers[phones[i]] = out.Carrier
			metrics.IncLookup("site")
		case OutcomeUnknown:
			res.carriers[phones[i]] = model.ProviderUnknown
			metrics.IncLookup("unknown")
		default:
			res.failed = append(res.failed, phones[i])
			metrics.IncLookup("failed")
			m.logger.Debug().Err(out.Cause).Str("phone", phones[i]).Msg("lookup did not complete")
		}
		i++
	}
	return res
}

// lookupOne runs the site protocol for one phone: navigate home, optional
// captcha pre-check, type the number, submit, settle, read, parse.
func (m *BatchManager) lookupOne(ctx context.Context, pg driver.PageDriver, phone string) Outcome {
	norm := normalize.Phone(phone)

	waits := []nav.WaitStrategy{nav.SelectorWait{Selector: m.opts.InputSelector}}
	if err := m.nav.Navigate(ctx, pg, m.opts.HomeURL, waits); err != nil {
		return Outcome{Kind: OutcomeTransient, Cause: err}
	}

	if m.opts.CaptchaCheck {
		r, err := m.detector.Inspect(ctx, pg, 0)
		if err != nil {
			return Outcome{Kind: OutcomeTransient, Cause: err}
		}
		if r.Detected {
			return Outcome{Kind: OutcomeCaptcha}
		}
	}

	if err := pg.Type(ctx, m.opts.InputSelector, norm); err != nil {
		return Outcome{Kind: OutcomeTransient, Cause: err}
	}
	if err := pg.PressEnter(ctx); err != nil {
		return Outcome{Kind: OutcomeTransient, Cause: err}
	}
	if err := m.sleep(ctx, m.opts.ResultSettle); err != nil {
		return Outcome{Kind: OutcomeTransient, Cause: err}
	}

	text, err := pg.Text(ctx)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Cause: err}
	}
	carrier := ParseCarrier(text)
	if carrier == model.ProviderUnknown {
		return Outcome{Kind: OutcomeUnknown}
	}
	return Outcome{Kind: OutcomeSuccess, Carrier: carrier}
}

func (m *BatchManager) openDriver(ctx context.Context) (driver.PageDriver, error) {
	pg, err := m.factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := pg.Open(ctx); err != nil {
		_ = pg.Close(ctx)
		return nil, err
	}
	return pg, nil
}

func (m *BatchManager) closeDriver(pg driver.PageDriver) {
	if err := pg.Close(context.Background()); err != nil {
		m.logger.Debug().Err(err).Msg("driver close failed")
	}
}

// CarrierCache is the provider-cache surface the service consumes.
type CarrierCache interface {
	Get(ctx context.Context, phone string) (string, bool)
	Put(ctx context.Context, phone, carrier string)
}

// RetryEnqueuer records phones that never resolved for a later drain.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, sessionID string, typ model.RetryType, payload []byte) (*model.RetryItem, error)
}

// Payload is the lookup retry payload: the phones to re-submit.
type Payload struct {
	Phones []string `json:"phones"`
}

// Service is the cache-first carrier resolver for one session run.
type Service struct {
	sessionID string
	cache     CarrierCache
	batches   *BatchManager
	retry     RetryEnqueuer
	logger    zerolog.Logger
}

// NewService wires the resolver for one session.
func NewService(sessionID string, cc CarrierCache, bm *BatchManager, rq RetryEnqueuer) *Service {
	return &Service{
		sessionID: sessionID,
		cache:     cc,
		batches:   bm,
		retry:     rq,
		logger:    log.WithComponent("lookup").With().Str(log.FieldSessionID, sessionID).Logger(),
	}
}

// Lookup resolves a carrier for every input phone. Cache hits short-circuit;
// misses run through the batch manager and every completed result, Unknown
// included, is written back to the cache. Phones whose submissions never
// completed map to Unknown and are enqueued as one lookup retry item for a
// later cache refresh. The returned map always covers every input.
func (s *Service) Lookup(ctx context.Context, phones []string) map[string]string {
	out, failed := s.resolve(ctx, phones)
	if len(failed) > 0 && ctx.Err() == nil {
		s.enqueueRetry(ctx, failed)
	}
	return out
}

// Drain replays a deferred lookup item: the cache is refreshed for the given
// phones but nothing new is enqueued, so the queue's own attempt accounting
// decides the item's fate. Returns the normalised phones still unresolved.
func (s *Service) Drain(ctx context.Context, phones []string) []string {
	_, failed := s.resolve(ctx, phones)
	return failed
}

func (s *Service) resolve(ctx context.Context, phones []string) (map[string]string, []string) {
	out := make(map[string]string, len(phones))

	// Misses dedup on the normalised form so one submission serves every
	// alias of the same number.
	missOrder := make([]string, 0, len(phones))
	missAliases := make(map[string][]string)
	for _, p := range phones {
		norm := normalize.Phone(p)
		if norm == "" {
			out[p] = model.ProviderUnknown
			continue
		}
		if carrier, ok := s.cache.Get(ctx, norm); ok {
			out[p] = carrier
			metrics.IncLookup("cache")
			continue
		}
		if _, seen := missAliases[norm]; !seen {
			missOrder = append(missOrder, norm)
		}
		missAliases[norm] = append(missAliases[norm], p)
	}
	if len(missOrder) == 0 {
		return out, nil
	}

	carriers, failed := s.batches.Process(ctx, missOrder)
	for norm, carrier := range carriers {
		s.cache.Put(ctx, norm, carrier)
		for _, alias := range missAliases[norm] {
			out[alias] = carrier
		}
	}
	for _, norm := range failed {
		for _, alias := range missAliases[norm] {
			out[alias] = model.ProviderUnknown
		}
	}
	return out, failed
}

func (s *Service) enqueueRetry(ctx context.Context, phones []string) {
	raw, err := json.Marshal(Payload{Phones: phones})
	if err != nil {
		s.logger.Error().Err(err).Msg("lookup retry payload marshal failed")
		return
	}
	if _, err := s.retry.Enqueue(ctx, s.sessionID, model.RetryLookup, raw); err != nil {
		s.logger.Error().Err(err).Msg("lookup retry enqueue failed")
	}
}

func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
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
