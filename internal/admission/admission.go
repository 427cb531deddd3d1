// SPDX-License-Identifier: MIT

// Package admission decides whether a session request starts immediately,
// waits in the queue, or is rejected. The decision is a pure function over
// an explicit state snapshot, so the queue manager stays thin and the rules
// stay table-testable without a store.
package admission

import (
	"fmt"
	"strings"

	"github.com/openleads/scraperd/internal/lookup"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/validate"
)

// Outcome is what happens to the request.
type Outcome string

const (
	OutcomeStart  Outcome = "start"
	OutcomeQueue  Outcome = "queue"
	OutcomeReject Outcome = "reject"
)

// Reason names why the outcome was chosen.
type Reason string

const (
	// ReasonOwnerBusy: the user already owns a queued, running or paused session.
	ReasonOwnerBusy Reason = "owner_busy"
	// ReasonInvalidConfig: the session config failed validation.
	ReasonInvalidConfig Reason = "invalid_config"
	// ReasonSlotFree: the single run slot is free and nobody is waiting.
	ReasonSlotFree Reason = "slot_free"
	// ReasonCrashGrace: a crashed-looking session still holds the slot
	// inside the boot grace window.
	ReasonCrashGrace Reason = "crash_grace"
	// ReasonSlotHeld: another session currently occupies the run slot.
	ReasonSlotHeld Reason = "slot_held"
	// ReasonWaitersAhead: the slot is free but earlier arrivals are queued.
	ReasonWaitersAhead Reason = "waiters_ahead"
)

// Request is one admission attempt.
type Request struct {
	SessionID string
	UserID    string
	Config    model.SessionConfig
}

// State is the snapshot the rules run against. The queue manager computes it
// from the store inside the same critical section that acts on the decision.
type State struct {
	// OwnerBusy reports whether the requesting user already owns a session
	// in {queued, running, paused}.
	OwnerBusy bool

	// SlotHolder is the id of the session holding the single run slot,
	// empty when the slot is free.
	SlotHolder string

	// Waiting is the number of queue entries currently in status waiting.
	Waiting int

	// GraceHold reports a session that looks crashed (status running, no
	// live run) but is still inside the boot grace window. New requests
	// queue behind it instead of stealing the slot.
	GraceHold bool
}

// Decision is the admission verdict.
type Decision struct {
	Outcome Outcome
	Reason  Reason

	// Rule is the 1-based index of the rule that fired.
	Rule int

	// Position is the 1-based queue position, set when Outcome is queue.
	Position int

	// Err carries validation detail when Reason is invalid_config.
	Err error
}

// Check applies the admission rules in order and returns the first verdict.
func Check(req Request, st State) Decision {
	// Rule 1: one session per user across queued, running and paused.
	if st.OwnerBusy {
		return Decision{Outcome: OutcomeReject, Reason: ReasonOwnerBusy, Rule: 1}
	}

	// Rule 2: malformed configs are refused synchronously, never queued.
	if err := ValidateConfig(req.Config); err != nil {
		return Decision{Outcome: OutcomeReject, Reason: ReasonInvalidConfig, Rule: 2, Err: err}
	}

	// Rule 3: a free slot with nobody waiting admits immediately.
	if st.SlotHolder == "" && st.Waiting == 0 && !st.GraceHold {
		return Decision{Outcome: OutcomeStart, Reason: ReasonSlotFree, Rule: 3}
	}

	// Rule 4: wait behind the slot holder and any earlier arrivals.
	return Decision{
		Outcome:  OutcomeQueue,
		Reason:   queueReason(st),
		Rule:     4,
		Position: st.Waiting + 1,
	}
}

func queueReason(st State) Reason {
	switch {
	case st.GraceHold:
		return ReasonCrashGrace
	case st.SlotHolder != "":
		return ReasonSlotHeld
	default:
		return ReasonWaitersAhead
	}
}

// ValidateConfig checks a user-supplied session config. Zero concurrency caps
// and a zero batch size mean "use the default" and pass; everything else must
// be inside the documented ranges.
func ValidateConfig(cfg model.SessionConfig) error {
	v := validate.New()

	if len(cfg.Towns) == 0 {
		v.AddError("towns", "at least one town is required", cfg.Towns)
	}
	for i, town := range cfg.Towns {
		if strings.TrimSpace(town) == "" {
			v.AddError(fmt.Sprintf("towns[%d]", i), "town must not be blank", town)
		}
	}

	if len(cfg.Industries) == 0 {
		v.AddError("industries", "at least one industry is required", cfg.Industries)
	}
	for i, ind := range cfg.Industries {
		if strings.TrimSpace(ind) == "" {
			v.AddError(fmt.Sprintf("industries[%d]", i), "industry must not be blank", ind)
		}
	}

	if cfg.MaxTowns != 0 {
		v.Range("maxTowns", cfg.MaxTowns, 1, 3)
	}
	if cfg.MaxIndustries != 0 {
		v.Range("maxIndustries", cfg.MaxIndustries, 1, 3)
	}
	if cfg.BatchSize != 0 {
		v.Range("batchSize", cfg.BatchSize, lookup.MinBatchSize, lookup.MaxBatchSize)
	}

	return v.Err()
}

// Normalize fills defaults into a validated config. It never mutates the
// caller's slices.
func Normalize(cfg model.SessionConfig) model.SessionConfig {
	if cfg.MaxTowns == 0 {
		cfg.MaxTowns = DefaultMaxTowns
	}
	if cfg.MaxIndustries == 0 {
		cfg.MaxIndustries = DefaultMaxIndustries
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = lookup.MaxBatchSize
	}
	return cfg
}

// Defaults for unset concurrency caps.
const (
	DefaultMaxTowns      = 2
	DefaultMaxIndustries = 2
)
