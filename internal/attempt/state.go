package attempt

import (
	"time"

	"github.com/example/style-predict/internal/predictor"
)

// State is a step in the lifecycle of one attempt.
type State string

const (
	StateIdle             State = "idle"
	StateValidating       State = "validating"
	StateWakingService    State = "waking_service"
	StateSubmitting       State = "submitting"
	StateAwaitingResponse State = "awaiting_response"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateAborted          State = "aborted"
)

// InFlight reports whether an attempt in this state still owns the network exchange.
func (s State) InFlight() bool {
	switch s {
	case StateValidating, StateWakingService, StateSubmitting, StateAwaitingResponse:
		return true
	}
	return false
}

// Terminal reports whether the state ends an attempt.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

// Snapshot is a copy of the view state at one instant.
type Snapshot struct {
	AttemptID string                 `json:"attempt_id,omitempty"`
	State     State                  `json:"state"`
	Progress  float64                `json:"progress"`
	Deadline  *time.Time             `json:"deadline,omitempty"`
	Results   []predictor.Prediction `json:"results,omitempty"`
	Failure   *Failure               `json:"failure,omitempty"`
	File      *FileInfo              `json:"file,omitempty"`
}

// OutcomeKind tags how Submit ended.
type OutcomeKind string

const (
	// OutcomeNoop means nothing was submitted because no file was given.
	OutcomeNoop      OutcomeKind = "noop"
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeAborted   OutcomeKind = "aborted"
)

// Outcome is the result of one Submit call.
type Outcome struct {
	Kind      OutcomeKind
	AttemptID string
	Results   []predictor.Prediction
	Failure   *Failure
}
