// SPDX-License-Identifier: MIT

// Package nav wraps raw page loads with wait strategies, bounded retry and a
// self-adjusting timeout. One Manager belongs to one driver-owning goroutine
// (a worker or a lookup batch); the adaptive timeout learns that page's pace
// and must not be shared across sites with different latency profiles.
package nav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/driver"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/metrics"
)

// Class separates failures that are worth retrying from those that are not.
type Class string

const (
	// ClassTransient covers network hiccups, load timeouts and selectors
	// that were not ready yet.
	ClassTransient Class = "transient"
	// ClassTerminal covers challenge pages, explicit block statuses and dead
	// drivers. Retrying against these burns the retry budget for nothing.
	ClassTerminal Class = "terminal"
)

// ErrBlocked marks a page that answered with a challenge instead of content.
// Callers wrap it after a positive captcha inspection so the failure
// classifies as terminal.
var ErrBlocked = errors.New("nav: blocked by challenge page")

// Error is the failure Navigate returns after its retry budget is spent or a
// terminal condition cuts it short.
type Error struct {
	URL      string
	Class    Class
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("nav: %s failure after %d attempt(s) at %s: %v", e.Class, e.Attempts, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTerminal reports whether err (or any error it wraps) is a terminal
// navigation failure.
func IsTerminal(err error) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Class == ClassTerminal
	}
	return Classify(err) == ClassTerminal
}

// Classify buckets a navigation failure. Statuses 403 and 429 are the
// target's way of saying go away; a crashed or closed driver cannot recover
// within the same attempt loop.
func Classify(err error) Class {
	switch driver.StatusCode(err) {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return ClassTerminal
	}
	if errors.Is(err, ErrBlocked) || errors.Is(err, driver.ErrCrashed) || errors.Is(err, driver.ErrClosed) {
		return ClassTerminal
	}
	return ClassTransient
}

// WaitStrategy settles a freshly navigated page. Strategies run in the order
// given to Navigate; the first to succeed wins.
type WaitStrategy interface {
	Wait(ctx context.Context, pg driver.PageDriver, timeout time.Duration) error
	String() string
}

// SelectorWait succeeds once the selector is present in the DOM.
type SelectorWait struct {
	Selector string
}

func (w SelectorWait) Wait(ctx context.Context, pg driver.PageDriver, timeout time.Duration) error {
	return pg.WaitFor(ctx, w.Selector, timeout)
}

func (w SelectorWait) String() string { return "selector(" + w.Selector + ")" }

// DelayWait settles by waiting a fixed interval. Used where the target
// renders without a reliable anchor element.
type DelayWait struct {
	Delay time.Duration
}

func (w DelayWait) Wait(ctx context.Context, _ driver.PageDriver, _ time.Duration) error {
	return sleepCtx(ctx, w.Delay)
}

func (w DelayWait) String() string { return "delay(" + w.Delay.String() + ")" }

// Retry and adaptive timeout policy.
const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxRetries = 3

	initialTimeout = 60 * time.Second
	minTimeout     = 15 * time.Second
	maxTimeout     = 120 * time.Second
	timeoutRaise   = 15 * time.Second
	timeoutLower   = 10 * time.Second
	windowSize     = 10
)

// Options tunes a Manager. Zero values fall back to the defaults above.
type Options struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// Manager runs navigations with retry and keeps the adaptive timeout for one
// driver. Safe for concurrent use, though in practice a single goroutine owns
// each instance along with its driver.
type Manager struct {
	base    time.Duration
	retries int
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	timeout time.Duration
	window  []time.Duration
}

// NewManager returns a Manager starting at the initial timeout.
func NewManager(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Manager{
		base:    opts.BaseDelay,
		retries: opts.MaxRetries,
		logger:  log.WithComponent("nav"),
		sleep:   sleepCtx,
		timeout: initialTimeout,
	}
}

// Navigate loads url on pg and applies the wait strategies in order until one
// settles the page. Transient failures are retried up to the configured
// budget with exponentially growing delays; terminal failures and context
// cancellation return immediately. A nil error means the page is settled.
func (m *Manager) Navigate(ctx context.Context, pg driver.PageDriver, url string, waits []WaitStrategy) error {
	var lastErr error
	for attempt := 1; attempt <= m.retries; attempt++ {
		if attempt > 1 {
			metrics.IncNavRetry()
			if err := m.sleep(ctx, RetryDelay(m.base, attempt)); err != nil {
				return err
			}
		}

		timeout := m.Timeout()
		start := time.Now()
		err := m.attempt(ctx, pg, url, waits, timeout)
		if err == nil {
			m.observe(time.Since(start))
			metrics.IncNavigation("success")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) == ClassTerminal {
			metrics.IncNavigation("terminal")
			return &Error{URL: url, Class: ClassTerminal, Attempts: attempt, Err: err}
		}
		m.logger.Warn().
			Str("url", url).
			Int("attempt", attempt).
			Dur("timeout", timeout).
			Err(err).
			Msg("navigation attempt failed")
	}
	metrics.IncNavigation("failed")
	return &Error{URL: url, Class: ClassTransient, Attempts: m.retries, Err: lastErr}
}

// attempt performs one load plus settle pass under the given timeout.
func (m *Manager) attempt(ctx context.Context, pg driver.PageDriver, url string, waits []WaitStrategy, timeout time.Duration) error {
	if err := pg.Navigate(ctx, url, timeout); err != nil {
		return err
	}
	if len(waits) == 0 {
		return nil
	}
	var lastErr error
	for _, w := range waits {
		err := w.Wait(ctx, pg, timeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || Classify(err) == ClassTerminal {
			return err
		}
		m.logger.Debug().
			Str("url", url).
			Str("strategy", w.String()).
			Err(err).
			Msg("wait strategy missed")
	}
	return fmt.Errorf("nav: no wait strategy settled %s: %w", url, lastErr)
}

// observe feeds one successful navigation duration into the adaptive timeout.
// Durations above 80% of the current timeout widen it, durations below half
// shrink it; the result always stays within [minTimeout, maxTimeout].
func (m *Manager) observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = append(m.window, d)
	if len(m.window) > windowSize {
		m.window = m.window[len(m.window)-windowSize:]
	}
	switch {
	case d > m.timeout*8/10:
		m.timeout += timeoutRaise
	case d < m.timeout/2:
		m.timeout -= timeoutLower
	}
	if m.timeout < minTimeout {
		m.timeout = minTimeout
	}
	if m.timeout > maxTimeout {
		m.timeout = maxTimeout
	}
	metrics.SetNavTimeout(m.timeout.Seconds())
}

// Timeout returns the current adaptive timeout.
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// Window returns a copy of the recent successful navigation durations, oldest
// first.
func (m *Manager) Window() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.window))
	copy(out, m.window)
	return out
}

// RetryDelay returns the pause before the given 1-indexed attempt: the base
// delay doubled once per retry already spent. The first attempt never waits.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return base << (attempt - 2)
}

// sleepCtx blocks for d or until ctx is done.
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
