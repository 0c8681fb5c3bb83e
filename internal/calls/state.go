package calls

import (
	"errors"
	"fmt"
)

// State machine:
//
//	pending → transcribing → scoring → complete
//	                 │           │
//	                 └─→ error ←─┘
//
// error is terminal until an explicit user action re-enters transcribing
// (retry-transcription) or scoring (retry-scoring). complete → scoring is
// NOT in the transition table; the only designed path is the swap-speakers
// action, which goes through SwapSpeakers below.
//
// Calls created with a transcript already in hand (manual text upload, CRM
// sync carrying a transcript) skip pending/transcribing and are created
// directly at scoring. That is an initial status, not a transition.

var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrNotFound            = errors.New("call not found")
	ErrDuplicateExternalID = errors.New("call with this source and external id already exists")

	// ErrStaleStatus is returned when a status-guarded update finds the row
	// in a different status than the writer expected. The writer must give
	// up; another flow has moved the call.
	ErrStaleStatus = errors.New("call status changed since read")
)

var transitions = map[Status][]Status{
	StatusPending:      {StatusTranscribing},
	StatusTranscribing: {StatusScoring, StatusError},
	StatusScoring:      {StatusComplete, StatusError},
	StatusError:        {StatusTranscribing, StatusScoring},
	StatusComplete:     {},
}

// Transition validates from → to against the table above.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidStatus, from, to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}

// InitialStatus validates a creation-time status. pending for audio that
// still needs transcription, scoring when a transcript is supplied directly.
func InitialStatus(s Status, hasTranscript bool) error {
	switch s {
	case StatusPending, StatusTranscribing:
		if hasTranscript {
			return fmt.Errorf("%w: transcript present but status is %q", ErrInvalidStatus, s)
		}
		return nil
	case StatusScoring:
		if !hasTranscript {
			return fmt.Errorf("%w: status scoring requires a transcript", ErrInvalidStatus)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q is not a valid initial status", ErrInvalidStatus, s)
	}
}

// ValidateUpdate enforces the write-time invariants of a guarded status
// update. Store implementations call this before touching the row.
func ValidateUpdate(from, to Status, u StatusUpdate) error {
	if err := Transition(from, to); err != nil {
		return err
	}
	if u.OverallScore != nil && to != StatusComplete {
		return fmt.Errorf("%w: overall_score may only be set on transition to complete", ErrInvalidStatus)
	}
	if to == StatusError && u.ErrorMessage == "" {
		return fmt.Errorf("%w: transition to error requires an error message", ErrInvalidStatus)
	}
	if len(u.Transcript) > 0 && to != StatusScoring && to != StatusComplete && to != StatusError {
		return fmt.Errorf("%w: transcript may not be written while status is %q", ErrInvalidStatus, to)
	}
	return nil
}

// StatusUpdate carries the fields written alongside a guarded transition.
type StatusUpdate struct {
	// ErrorMessage is written as-is. Transitions into scoring always clear
	// any prior message, so leave it empty there.
	ErrorMessage string

	// OverallScore is only legal on a transition to complete.
	OverallScore *float64

	// Transcript, when non-empty, is written with the transition. Used by
	// the transcribing → scoring step so the transcript never exists on a
	// row outside scoring/complete/error.
	Transcript []TranscriptSegment

	AttributionConfidence *float64
}

// SwapSpeakers flips every segment's speaker label and forces the call back
// into scoring with the score cleared. A changed transcript invalidates any
// prior score, so this is the one sanctioned complete → scoring path.
//
// Mutates the receiver; callers persist via Store.ApplySwap.
func (c *Call) SwapSpeakers() error {
	if len(c.Transcript) == 0 {
		return fmt.Errorf("%w: swap-speakers requires a transcript", ErrInvalidStatus)
	}
	switch c.Status {
	case StatusComplete, StatusError, StatusScoring:
	default:
		return fmt.Errorf("%w: swap-speakers not allowed while %q", ErrInvalidTransition, c.Status)
	}
	for i := range c.Transcript {
		c.Transcript[i].Speaker = c.Transcript[i].Speaker.Other()
	}
	c.Status = StatusScoring
	c.OverallScore = nil
	c.ErrorMessage = ""
	return nil
}
