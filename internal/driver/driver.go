// SPDX-License-Identifier: MIT

// Package driver defines the Page Driver capability the scraper core
// consumes. The engine behind it (a headless browser) is injected by the
// embedding application; the core ships only test doubles.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PageDriver is one browser page/session. Implementations are not safe for
// concurrent use: each driver instance is owned by exactly one worker or one
// lookup batch at a time.
type PageDriver interface {
	// Open prepares the underlying page. It must be called before any other
	// method and at most once per instance.
	Open(ctx context.Context) error
	// Close releases the page and its engine resources. Safe to call after a
	// failed Open.
	Close(ctx context.Context) error

	// Navigate loads url and blocks until the page settles or timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// WaitFor blocks until selector is present or timeout.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// Evaluate runs an expression in the page and returns its JSON-decoded
	// result.
	Evaluate(ctx context.Context, expression string) (any, error)
	// Type enters text into the element matched by selector.
	Type(ctx context.Context, selector, text string) error
	// PressEnter submits the focused element.
	PressEnter(ctx context.Context) error
	// Text returns the full visible page text.
	Text(ctx context.Context) (string, error)
	// Screenshot captures the viewport for diagnostics.
	Screenshot(ctx context.Context) ([]byte, error)
}

// Factory spawns a fresh driver. The lookup batch manager opens one per
// batch; workers hold one for the lifetime of an assignment.
type Factory func(ctx context.Context) (PageDriver, error)

// Sentinel errors shared by implementations.
var (
	// ErrClosed is returned by calls on a closed driver.
	ErrClosed = errors.New("driver: closed")
	// ErrCrashed indicates the underlying engine died and the instance is
	// unusable.
	ErrCrashed = errors.New("driver: crashed")
)

// StatusError reports a navigation that completed with an HTTP error status.
// Status 429 feeds the captcha detector's rate-limit signal.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("driver: navigation to %s returned status %d", e.URL, e.Code)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
