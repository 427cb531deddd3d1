// SPDX-License-Identifier: MIT

// Package bus is the in-process publish/subscribe channel for the core's
// externally observable events. Topics are session ids.
package bus

import (
	"time"

	"github.com/openleads/scraperd/internal/model"
)

// Kind discriminates event payloads.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindBusiness  Kind = "business"
	KindLog       Kind = "log"
	KindError     Kind = "error"
	KindLifecycle Kind = "lifecycle"
)

// Event is the sum type carried by the bus.
type Event interface {
	Kind() Kind
	Session() string
}

// ProgressEvent reports incremental session progress.
type ProgressEvent struct {
	SessionID           string  `json:"sessionId"`
	Percent             float64 `json:"percent"`
	CurrentTown         string  `json:"currentTown,omitempty"`
	CurrentIndustry     string  `json:"currentIndustry,omitempty"`
	ProcessedBusinesses int     `json:"processedBusinesses"`
}

func (e ProgressEvent) Kind() Kind      { return KindProgress }
func (e ProgressEvent) Session() string { return e.SessionID }

// BusinessEvent carries one newly extracted record.
type BusinessEvent struct {
	SessionID string         `json:"sessionId"`
	Record    model.Business `json:"record"`
}

func (e BusinessEvent) Kind() Kind      { return KindBusiness }
func (e BusinessEvent) Session() string { return e.SessionID }

// LogLevel enumerates log event severities.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEvent is a human-readable progress note.
type LogEvent struct {
	SessionID string   `json:"sessionId"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

func (e LogEvent) Kind() Kind      { return KindLog }
func (e LogEvent) Session() string { return e.SessionID }

// ErrorEvent reports a failure with its retry classification.
type ErrorEvent struct {
	SessionID      string `json:"sessionId"`
	Classification string `json:"classification"`
	Message        string `json:"message"`
	Retryable      bool   `json:"retryable"`
}

func (e ErrorEvent) Kind() Kind      { return KindError }
func (e ErrorEvent) Session() string { return e.SessionID }

// LifecycleEvent reports a session status transition.
type LifecycleEvent struct {
	SessionID string              `json:"sessionId"`
	From      model.SessionStatus `json:"from"`
	To        model.SessionStatus `json:"to"`
	At        time.Time           `json:"at"`
}

func (e LifecycleEvent) Kind() Kind      { return KindLifecycle }
func (e LifecycleEvent) Session() string { return e.SessionID }
