// SPDX-License-Identifier: MIT

// Package captcha inspects a loaded page for challenge signals. The detector
// only reports; callers decide how to respond.
package captcha

import (
	"context"
	"net/http"
	"strings"

	"github.com/openleads/scraperd/internal/driver"
	"github.com/openleads/scraperd/internal/metrics"
)

// DOM probes evaluated on the page. Exported so test doubles can script them.
const (
	ExprIframe  = `!!document.querySelector('iframe[src*="recaptcha"]')`
	ExprMarkers = `!!(document.querySelector('[class*="captcha"]') || document.querySelector('.g-recaptcha'))`
)

// Text fragments that flag a challenge page. Matched case-insensitively.
var textSignals = []string{
	"recaptcha",
	"verify you are human",
	"i'm not a robot",
}

// Signal names the evidence that triggered a detection.
type Signal string

const (
	SignalNone      Signal = ""
	SignalIframe    Signal = "iframe"
	SignalElement   Signal = "element"
	SignalText      Signal = "text"
	SignalRateLimit Signal = "rate_limit"
)

// Result is the detector's verdict for one page.
type Result struct {
	Detected bool
	Signal   Signal
}

// Detector checks pages for captcha challenges.
type Detector struct {
	// Stage labels detections in metrics (precheck, lookup, extraction).
	Stage string
}

// New returns a detector reporting under the given metrics stage.
func New(stage string) *Detector {
	return &Detector{Stage: stage}
}

// Inspect evaluates all signals against the current page. lastNavStatus is
// the HTTP status of the most recent navigation (0 when unknown); 429 alone
// counts as detection.
func (d *Detector) Inspect(ctx context.Context, pg driver.PageDriver, lastNavStatus int) (Result, error) {
	if lastNavStatus == http.StatusTooManyRequests {
		return d.hit(SignalRateLimit), nil
	}

	v, err := pg.Evaluate(ctx, ExprIframe)
	if err != nil {
		return Result{}, err
	}
	if truthy(v) {
		return d.hit(SignalIframe), nil
	}

	v, err = pg.Evaluate(ctx, ExprMarkers)
	if err != nil {
		return Result{}, err
	}
	if truthy(v) {
		return d.hit(SignalElement), nil
	}

	text, err := pg.Text(ctx)
	if err != nil {
		return Result{}, err
	}
	lower := strings.ToLower(text)
	for _, s := range textSignals {
		if strings.Contains(lower, s) {
			return d.hit(SignalText), nil
		}
	}

	return Result{}, nil
}

func (d *Detector) hit(sig Signal) Result {
	metrics.IncCaptchaDetection(d.Stage)
	return Result{Detected: true, Signal: sig}
}

// truthy interprets a page evaluation result as a boolean.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	case int:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}
