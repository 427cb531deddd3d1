// SPDX-License-Identifier: MIT

// Package drivertest provides the scriptable Page Driver double used across
// the core's tests.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/openleads/scraperd/internal/driver"
)

// Call records one driver method invocation.
type Call struct {
	Method string
	Arg    string
}

// FakeDriver is a scriptable PageDriver. Zero value behaviour: every call
// succeeds, Evaluate returns nil, Text returns "". Override per-method hooks
// or seed the Evaluate/Text scripts to shape behaviour.
type FakeDriver struct {
	mu     sync.Mutex
	opened bool
	closed bool
	calls  []Call

	currentURL string
	typed      []string // texts typed, in order

	// Scripted results. EvaluateScript maps an expression to a FIFO of
	// results; once drained the last entry sticks. TextScript is a FIFO for
	// Text; once drained the last entry sticks.
	EvaluateScript map[string][]any
	TextScript     []string

	// Optional hooks. When set they win over the scripts.
	OpenFn       func(ctx context.Context) error
	CloseFn      func(ctx context.Context) error
	NavigateFn   func(ctx context.Context, url string, timeout time.Duration) error
	WaitForFn    func(ctx context.Context, selector string, timeout time.Duration) error
	EvaluateFn   func(ctx context.Context, expression string) (any, error)
	TypeFn       func(ctx context.Context, selector, text string) error
	PressEnterFn func(ctx context.Context) error
	TextFn       func(ctx context.Context) (string, error)
	ScreenshotFn func(ctx context.Context) ([]byte, error)

	// Err, when set, is returned by every subsequent call. Used to simulate
	// a crashed engine mid-assignment.
	Err error
}

var _ driver.PageDriver = (*FakeDriver)(nil)

// New returns an empty FakeDriver.
func New() *FakeDriver {
	return &FakeDriver{EvaluateScript: make(map[string][]any)}
}

func (d *FakeDriver) record(method, arg string) {
	d.calls = append(d.calls, Call{Method: method, Arg: arg})
}

// Calls returns a copy of the recorded call log.
func (d *FakeDriver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (d *FakeDriver) CallCount(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Typed returns every string typed into the page, in order.
func (d *FakeDriver) Typed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.typed))
	copy(out, d.typed)
	return out
}

// CurrentURL returns the last navigated URL.
func (d *FakeDriver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentURL
}

// Opened reports whether Open succeeded.
func (d *FakeDriver) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened && !d.closed
}

// Closed reports whether Close was called.
func (d *FakeDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Fail makes every subsequent call return err.
func (d *FakeDriver) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

func (d *FakeDriver) Open(ctx context.Context) error {
	d.mu.Lock()
	d.record("Open", "")
	fn, err := d.OpenFn, d.Err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	return nil
}

func (d *FakeDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.record("Close", "")
	fn := d.CloseFn
	d.closed = true
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (d *FakeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	d.mu.Lock()
	d.record("Navigate", url)
	fn, err := d.NavigateFn, d.Err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx, url, timeout); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.currentURL = url
	d.mu.Unlock()
	return nil
}

func (d *FakeDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	d.mu.Lock()
	d.record("WaitFor", selector)
	fn, err := d.WaitForFn, d.Err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx, selector, timeout)
	}
	return nil
}

func (d *FakeDriver) Evaluate(ctx context.Context, expression string) (any, error) {
	d.mu.Lock()
	d.record("Evaluate", expression)
	fn, err := d.EvaluateFn, d.Err
	var scripted any
	var hasScript bool
	if fn == nil && err == nil {
		if queue, ok := d.EvaluateScript[expression]; ok && len(queue) > 0 {
			scripted = queue[0]
			hasScript = true
			if len(queue) > 1 {
				d.EvaluateScript[expression] = queue[1:]
			}
		}
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, expression)
	}
	if hasScript {
		return scripted, nil
	}
	return nil, nil
}

func (d *FakeDriver) Type(ctx context.Context, selector, text string) error {
	d.mu.Lock()
	d.record("Type", text)
	fn, err := d.TypeFn, d.Err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		if err := fn(ctx, selector, text); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.typed = append(d.typed, text)
	d.mu.Unlock()
	return nil
}

func (d *FakeDriver) PressEnter(ctx context.Context) error {
	d.mu.Lock()
	d.record("PressEnter", "")
	fn, err := d.PressEnterFn, d.Err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (d *FakeDriver) Text(ctx context.Context) (string, error) {
	d.mu.Lock()
	d.record("Text", "")
	fn, err := d.TextFn, d.Err
	var out string
	if fn == nil && err == nil && len(d.TextScript) > 0 {
		out = d.TextScript[0]
		if len(d.TextScript) > 1 {
			d.TextScript = d.TextScript[1:]
		}
	}
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	if fn != nil {
		return fn(ctx)
	}
	return out, nil
}

func (d *FakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	d.record("Screenshot", "")
	fn, err := d.ScreenshotFn, d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx)
	}
	return []byte{}, nil
}

// Spawner tracks drivers created through its Factory. Tests use it to assert
// the one-driver-per-batch discipline.
type Spawner struct {
	mu      sync.Mutex
	drivers []*FakeDriver
	// Configure, when set, is applied to each new driver before it is
	// returned.
	Configure func(*FakeDriver)
	// SpawnErr, when set, fails the next spawn.
	SpawnErr error
}

// NewSpawner returns an empty Spawner.
func NewSpawner() *Spawner {
	return &Spawner{}
}

// Factory returns a driver.Factory backed by this spawner.
func (s *Spawner) Factory() driver.Factory {
	return func(ctx context.Context) (driver.PageDriver, error) {
		s.mu.Lock()
		if err := s.SpawnErr; err != nil {
			s.SpawnErr = nil
			s.mu.Unlock()
			return nil, err
		}
		d := New()
		if s.Configure != nil {
			s.Configure(d)
		}
		s.drivers = append(s.drivers, d)
		s.mu.Unlock()
		return d, nil
	}
}

// Spawned returns every driver created so far.
func (s *Spawner) Spawned() []*FakeDriver {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeDriver, len(s.drivers))
	copy(out, s.drivers)
	return out
}

// OpenDrivers returns the drivers that are currently open.
func (s *Spawner) OpenDrivers() []*FakeDriver {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FakeDriver
	for _, d := range s.drivers {
		if d.Opened() {
			out = append(out, d)
		}
	}
	return out
}
