// Package ingest owns the entry points that produce a call record (manual
// upload, CRM sync, telephony webhook) and drives each new call through
// dedup, transcription, attribution, and into the scoring queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callscore-platform/internal/attribution"
	"callscore-platform/internal/calls"
	"callscore-platform/internal/dedupe"
	"callscore-platform/internal/speech"
	"callscore-platform/internal/transcript"
)

// DuplicateCallError is a rejection outcome, not a failure: the incoming
// record matches a call already stored from another source. Ingestion stops
// and the existing id is surfaced.
type DuplicateCallError struct {
	ExistingCallID string
}

func (e *DuplicateCallError) Error() string {
	return "call already ingested from another source as " + e.ExistingCallID
}

var ErrInvalidUpload = errors.New("upload requires transcript text or an audio url")

// Enqueuer schedules a call for scoring.
type Enqueuer interface {
	Enqueue(ctx context.Context, callID string) error
}

type Config struct {
	// MinWebhookDurationSeconds is the pre-filter threshold for telephony
	// events; shorter calls carry no scoreable conversation.
	MinWebhookDurationSeconds int

	// SpeakersExpected is the diarization hint passed to the speech
	// service. Sales calls have two parties.
	SpeakersExpected int
}

func (c Config) withDefaults() Config {
	out := c
	if out.MinWebhookDurationSeconds <= 0 {
		out.MinWebhookDurationSeconds = 30
	}
	if out.SpeakersExpected <= 0 {
		out.SpeakersExpected = 2
	}
	return out
}

type Service struct {
	store calls.Store
	guard *dedupe.Guard
	stt   speech.Transcriber
	queue Enqueuer
	cfg   Config
	log   *slog.Logger

	// clock is injectable for deterministic tests.
	clock func() time.Time

	// spawn runs the per-call pipeline flow. Asynchronous in production
	// (each ingestion event is an independent flow); tests run it inline.
	spawn func(f func())
}

func NewService(store calls.Store, guard *dedupe.Guard, stt speech.Transcriber, queue Enqueuer, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		guard: guard,
		stt:   stt,
		queue: queue,
		cfg:   cfg.withDefaults(),
		log:   log,
		clock: time.Now,
		spawn: func(f func()) { go f() },
	}
}

// UploadRequest is a manual upload: either a vendor transcript export or an
// audio recording URL, with optional dedup metadata.
type UploadRequest struct {
	TranscriptText string
	AudioURL       string

	Phone           string
	CallDate        time.Time
	DurationSeconds int
}

// UploadManual ingests a manual upload. Transcript uploads enter directly
// at scoring; audio uploads are created pending and transcribed
// asynchronously.
func (s *Service) UploadManual(ctx context.Context, req UploadRequest) (calls.Call, error) {
	if req.TranscriptText == "" && req.AudioURL == "" {
		return calls.Call{}, ErrInvalidUpload
	}

	callDate := req.CallDate
	if callDate.IsZero() {
		callDate = s.clock().UTC()
	}

	if err := s.rejectDuplicate(ctx, req.Phone, callDate, req.DurationSeconds, calls.SourceManual); err != nil {
		return calls.Call{}, err
	}

	c := calls.Call{
		Source:          calls.SourceManual,
		ContactPhone:    dedupe.NormalizePhone(req.Phone),
		CallDate:        callDate,
		DurationSeconds: req.DurationSeconds,
	}

	if req.TranscriptText != "" {
		segs, err := transcript.ParseVendorExport(req.TranscriptText)
		if err != nil {
			return calls.Call{}, err
		}
		c.Transcript = segs
		c.Status = calls.StatusScoring
		created, err := s.store.Create(ctx, c)
		if err != nil {
			return calls.Call{}, err
		}
		if err := s.queue.Enqueue(ctx, created.ID); err != nil {
			return calls.Call{}, err
		}
		s.log.Info("manual transcript ingested", "call_id", created.ID)
		return s.store.Get(ctx, created.ID)
	}

	c.RecordingURL = req.AudioURL
	c.Status = calls.StatusPending
	created, err := s.store.Create(ctx, c)
	if err != nil {
		return calls.Call{}, err
	}
	s.log.Info("manual audio ingested", "call_id", created.ID)
	s.spawn(func() { s.processAudio(created.ID) })
	return created, nil
}

// SyncResult summarizes one CRM sync pass. Per-call failures are collected;
// one bad call never aborts the batch.
type SyncResult struct {
	Ingested   int      `json:"ingested"`
	Duplicates int      `json:"duplicates"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
}

// SyncCRM ingests every CRM call completed since the given timestamp.
func (s *Service) SyncCRM(ctx context.Context, crm CRMClient, since time.Time) (SyncResult, error) {
	crmCalls, err := crm.ListCalls(ctx, since)
	if err != nil {
		return SyncResult{}, err
	}

	var out SyncResult
	for _, cc := range crmCalls {
		switch err := s.ingestCRMCall(ctx, cc); {
		case err == nil:
			out.Ingested++
		case isDuplicate(err):
			out.Duplicates++
		case errors.Is(err, errNoContent):
			out.Skipped++
		default:
			out.Errors = append(out.Errors, fmt.Sprintf("crm call %s: %v", cc.ID, err))
		}
	}
	s.log.Info("crm sync finished", "since", since,
		"ingested", out.Ingested, "duplicates", out.Duplicates,
		"skipped", out.Skipped, "errors", len(out.Errors))
	return out, nil
}

var errNoContent = errors.New("crm call has neither transcript nor recording")

func (s *Service) ingestCRMCall(ctx context.Context, cc CRMCall) error {
	if cc.TranscriptText == "" && cc.RecordingURL == "" {
		return errNoContent
	}

	// Re-delivered pages: the CRM call id is the idempotency key.
	if _, found, err := s.store.FindBySourceExternalID(ctx, calls.SourceCRM, cc.ID); err != nil {
		return err
	} else if found {
		return errNoContent
	}

	if err := s.rejectDuplicate(ctx, cc.ContactPhone, cc.OccurredAt, cc.DurationSeconds, calls.SourceCRM); err != nil {
		return err
	}

	c := calls.Call{
		Source:          calls.SourceCRM,
		ExternalID:      cc.ID,
		ContactPhone:    dedupe.NormalizePhone(cc.ContactPhone),
		CallDate:        cc.OccurredAt,
		DurationSeconds: cc.DurationSeconds,
		RecordingURL:    cc.RecordingURL,
	}

	if cc.TranscriptText != "" {
		segs, err := transcript.ParseVendorExport(cc.TranscriptText)
		if err != nil {
			return err
		}
		c.Transcript = segs
		c.Status = calls.StatusScoring
		c.RecordingURL = ""
		created, err := s.store.Create(ctx, c)
		if err != nil {
			return err
		}
		return s.queue.Enqueue(ctx, created.ID)
	}

	c.Status = calls.StatusPending
	created, err := s.store.Create(ctx, c)
	if err != nil {
		return err
	}
	s.spawn(func() { s.processAudio(created.ID) })
	return nil
}

// WebhookOutcome reports how a telephony event was handled.
type WebhookOutcome struct {
	Discarded bool        `json:"discarded"`
	Reason    string      `json:"reason,omitempty"`
	Call      *calls.Call `json:"call,omitempty"`
}

// HandleCallEnded ingests a telephony call.ended event. Replayed events are
// answered with the already-created call; sub-threshold and recording-less
// events are discarded outright.
func (s *Service) HandleCallEnded(ctx context.Context, ev CallEndedEvent) (WebhookOutcome, error) {
	if ev.Event != eventCallEnded {
		return WebhookOutcome{Discarded: true, Reason: "unhandled event type " + ev.Event}, nil
	}
	if ev.DurationSeconds < s.cfg.MinWebhookDurationSeconds {
		return WebhookOutcome{Discarded: true, Reason: "below minimum duration"}, nil
	}
	if ev.RecordingURL == "" {
		return WebhookOutcome{Discarded: true, Reason: "no recording reference"}, nil
	}

	if existing, found, err := s.store.FindBySourceExternalID(ctx, calls.SourceTelephony, ev.CallID); err != nil {
		return WebhookOutcome{}, err
	} else if found {
		return WebhookOutcome{Call: &existing}, nil
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock().UTC()
	}
	if err := s.rejectDuplicate(ctx, ev.ContactPhone(), occurredAt, ev.DurationSeconds, calls.SourceTelephony); err != nil {
		return WebhookOutcome{}, err
	}

	created, err := s.store.Create(ctx, calls.Call{
		Source:          calls.SourceTelephony,
		ExternalID:      ev.CallID,
		ContactPhone:    dedupe.NormalizePhone(ev.ContactPhone()),
		CallDate:        occurredAt,
		DurationSeconds: ev.DurationSeconds,
		RecordingURL:    ev.RecordingURL,
		Status:          calls.StatusPending,
	})
	if err != nil {
		if errors.Is(err, calls.ErrDuplicateExternalID) {
			// Lost a race against a concurrent replay; answer with the row
			// that won.
			if existing, found, ferr := s.store.FindBySourceExternalID(ctx, calls.SourceTelephony, ev.CallID); ferr == nil && found {
				return WebhookOutcome{Call: &existing}, nil
			}
		}
		return WebhookOutcome{}, err
	}

	s.log.Info("telephony call ingested", "call_id", created.ID, "external_id", ev.CallID)
	s.spawn(func() { s.processAudio(created.ID) })
	return WebhookOutcome{Call: &created}, nil
}

// RetryTranscription re-enters transcribing for a call that failed before
// producing a transcript. Explicit user action; transcription failures are
// never retried automatically.
func (s *Service) RetryTranscription(ctx context.Context, callID string) (calls.Call, error) {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if c.Status != calls.StatusError {
		return calls.Call{}, fmt.Errorf("%w: retry-transcription requires status error, call is %q", calls.ErrInvalidTransition, c.Status)
	}
	if len(c.Transcript) > 0 {
		return calls.Call{}, fmt.Errorf("%w: call already has a transcript; retry scoring instead", calls.ErrInvalidTransition)
	}
	if c.RecordingURL == "" {
		return calls.Call{}, fmt.Errorf("%w: call has no recording to transcribe", calls.ErrInvalidStatus)
	}
	s.spawn(func() { s.processAudio(c.ID) })
	return c, nil
}

// RetryScoring re-enqueues a scoring failure. Explicit user action.
func (s *Service) RetryScoring(ctx context.Context, callID string) (calls.Call, error) {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if c.Status != calls.StatusError {
		return calls.Call{}, fmt.Errorf("%w: retry-scoring requires status error, call is %q", calls.ErrInvalidTransition, c.Status)
	}
	if len(c.Transcript) == 0 {
		return calls.Call{}, fmt.Errorf("%w: call has no transcript; retry transcription instead", calls.ErrInvalidTransition)
	}
	if err := s.queue.Enqueue(ctx, callID); err != nil {
		return calls.Call{}, err
	}
	return s.store.Get(ctx, callID)
}

// SwapSpeakers flips every segment's speaker label and forces the call back
// to scoring with the score cleared. A changed transcript invalidates any
// prior score.
func (s *Service) SwapSpeakers(ctx context.Context, callID string) (calls.Call, error) {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	from := c.Status
	if err := c.SwapSpeakers(); err != nil {
		return calls.Call{}, err
	}
	swapped, err := s.store.ApplySwap(ctx, callID, from, c.Transcript)
	if err != nil {
		return calls.Call{}, err
	}
	if err := s.queue.Enqueue(ctx, callID); err != nil {
		return calls.Call{}, err
	}
	s.log.Info("speakers swapped", "call_id", callID)
	return swapped, nil
}

func (s *Service) rejectDuplicate(ctx context.Context, phone string, callDate time.Time, duration int, source calls.Source) error {
	match, err := s.guard.IsDuplicate(ctx, dedupe.Candidate{
		Phone:           phone,
		CallDate:        callDate,
		DurationSeconds: duration,
		ExcludeSource:   source,
	})
	if err != nil {
		return err
	}
	if match.IsDuplicate {
		return &DuplicateCallError{ExistingCallID: match.ExistingCallID}
	}
	return nil
}

func isDuplicate(err error) bool {
	var d *DuplicateCallError
	return errors.As(err, &d)
}

// processAudio runs the transcription stage for one call: download/STT,
// speaker attribution, then hand-off to the scoring queue. Stage failures
// land on the call row as status error with a human-readable cause; nothing
// is thrown past the pipeline boundary.
func (s *Service) processAudio(callID string) {
	ctx := context.Background()
	log := s.log.With("call_id", callID)

	c, err := s.store.Get(ctx, callID)
	if err != nil {
		log.Error("transcription flow aborted: call read failed", "err", err)
		return
	}

	if _, err := s.store.UpdateStatus(ctx, callID, c.Status, calls.StatusTranscribing, calls.StatusUpdate{}); err != nil {
		// ErrStaleStatus means another flow already owns this call.
		log.Warn("transcription flow aborted", "err", err)
		return
	}

	res, err := s.stt.Transcribe(ctx, c.RecordingURL, speech.TranscribeOptions{
		SpeakersExpected: s.cfg.SpeakersExpected,
	})
	if err != nil {
		s.failTranscription(ctx, callID, fmt.Sprintf("transcription failed: %v", err))
		return
	}
	if len(res.Segments) == 0 {
		s.failTranscription(ctx, callID, "transcription produced no speech segments")
		return
	}

	attrSegs := make([]attribution.Segment, 0, len(res.Segments))
	for _, seg := range res.Segments {
		attrSegs = append(attrSegs, attribution.Segment{
			SpeakerTag: seg.SpeakerTag,
			Text:       seg.Text,
			Start:      seg.Start,
			End:        seg.End,
		})
	}
	labeled := attribution.Assign(attrSegs)
	confidence := labeled.Confidence

	if _, err := s.store.UpdateStatus(ctx, callID, calls.StatusTranscribing, calls.StatusScoring, calls.StatusUpdate{
		Transcript:            labeled.Segments,
		AttributionConfidence: &confidence,
	}); err != nil {
		log.Error("transcript write failed", "err", err)
		return
	}

	if err := s.queue.Enqueue(ctx, callID); err != nil {
		log.Error("scoring enqueue failed", "err", err)
		return
	}
	log.Info("transcription complete", "segments", len(labeled.Segments), "diarized", labeled.Diarized)
}

func (s *Service) failTranscription(ctx context.Context, callID, msg string) {
	if _, err := s.store.UpdateStatus(ctx, callID, calls.StatusTranscribing, calls.StatusError, calls.StatusUpdate{
		ErrorMessage: msg,
	}); err != nil {
		s.log.Error("transcription failure write failed", "call_id", callID, "err", err)
		return
	}
	s.log.Warn("transcription failed", "call_id", callID, "cause", msg)
}
