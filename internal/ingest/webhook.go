package ingest

import "time"

// CallEndedEvent is the telephony provider's call.ended push. Events below
// the minimum duration or without a recording reference are discarded by
// the pre-filter before reaching the pipeline: discarded, not retried.
type CallEndedEvent struct {
	Event           string    `json:"event" binding:"required"`
	CallID          string    `json:"call_id" binding:"required"`
	Direction       string    `json:"direction,omitempty"` // inbound | outbound
	From            string    `json:"from,omitempty"`
	To              string    `json:"to,omitempty"`
	RecordingURL    string    `json:"recording_url,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	OccurredAt      time.Time `json:"occurred_at"`
}

const eventCallEnded = "call.ended"

// ContactPhone picks the customer-side number: the dialed number on an
// outbound sales call, the caller otherwise.
func (e CallEndedEvent) ContactPhone() string {
	if e.Direction == "outbound" {
		return e.To
	}
	return e.From
}
