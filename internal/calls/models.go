package calls

import "time"

// Call represents one recorded sales conversation and its processing state.
//
// The row in Postgres is the single source of truth for the pipeline: every
// stage (transcription, attribution, scoring) reads and writes this record,
// and the UI polls it for status. Nothing in the pipeline holds call state
// in memory across stages.
//
// Identity-for-dedup fields (ContactPhone, CallDate, DurationSeconds) exist
// so the dedupe guard can match the same physical conversation arriving from
// two different ingestion sources.

type Call struct {
	ID     string `json:"id" db:"id"`
	Source Source `json:"source" db:"source"`

	// ExternalID is the source-scoped identifier (e.g. the telephony
	// provider's call id). Unique per source; used for idempotent lookups.
	ExternalID string `json:"external_id,omitempty" db:"external_id"`

	// ContactPhone is normalized to digits only.
	ContactPhone    string    `json:"contact_phone,omitempty" db:"contact_phone"`
	CallDate        time.Time `json:"call_date" db:"call_date"`
	DurationSeconds int       `json:"duration_seconds,omitempty" db:"duration_seconds"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`

	// Transcript is nil until transcription completes.
	Transcript []TranscriptSegment `json:"transcript,omitempty" db:"transcript"`

	Status       Status `json:"status" db:"status"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// OverallScore is set only when the call reaches StatusComplete.
	OverallScore *float64 `json:"overall_score,omitempty" db:"overall_score"`

	// AttributionConfidence is the internal speaker-attribution score margin,
	// kept as an optional signal. No behavior depends on it.
	AttributionConfidence *float64 `json:"attribution_confidence,omitempty" db:"attribution_confidence"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TranscriptSegment is one speaker turn in a call transcript.
// Times are offsets in seconds from the start of the call.
type TranscriptSegment struct {
	Speaker   Speaker `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

type Source string

const (
	SourceManual    Source = "manual"
	SourceCRM       Source = "crm"
	SourceTelephony Source = "telephony"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceCRM, SourceTelephony:
		return true
	default:
		return false
	}
}

// Speaker is the role a transcript segment is attributed to.
type Speaker string

const (
	SpeakerRep      Speaker = "rep"
	SpeakerProspect Speaker = "prospect"
)

// Other flips rep to prospect and back.
func (s Speaker) Other() Speaker {
	if s == SpeakerRep {
		return SpeakerProspect
	}
	return SpeakerRep
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusScoring      Status = "scoring"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTranscribing, StatusScoring, StatusComplete, StatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further pipeline work is scheduled for this
// status without an explicit user action.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}
