package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"callscore-platform/internal/calls"
)

// stubScorer fails the first failures calls, then succeeds with overall.
type stubScorer struct {
	mu       sync.Mutex
	calls    int
	failures int
	overall  float64
}

func (s *stubScorer) Score(ctx context.Context, transcript []calls.TranscriptSegment) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return Result{}, fmt.Errorf("scorer unavailable")
	}
	return Result{Overall: s.overall}, nil
}

func (s *stubScorer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScoringCall(t *testing.T, store *calls.MemoryStore) calls.Call {
	t.Helper()
	c, err := store.Create(context.Background(), calls.Call{
		Source:   calls.SourceManual,
		CallDate: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		Status:   calls.StatusScoring,
		Transcript: []calls.TranscriptSegment{
			{Speaker: calls.SpeakerRep, Text: "hello", StartTime: 0, EndTime: 2},
			{Speaker: calls.SpeakerProspect, Text: "hi", StartTime: 2, EndTime: 3},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

type queueFixture struct {
	store  *calls.MemoryStore
	sched  *MemoryScheduler
	scorer *stubScorer
	queue  *Queue
	now    time.Time
}

func newQueueFixture(t *testing.T, scorer *stubScorer, cfg Config) *queueFixture {
	t.Helper()
	f := &queueFixture{
		store:  calls.NewMemoryStore(),
		sched:  NewMemoryScheduler(),
		scorer: scorer,
		now:    time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
	}
	f.queue = NewQueue(f.store, scorer, f.sched, cfg, discardLogger())
	f.queue.clock = func() time.Time { return f.now }
	f.store.Clock = func() time.Time { return f.now }
	return f
}

func (f *queueFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestQueue_SuccessCompletesCall(t *testing.T) {
	scorer := &stubScorer{overall: 87.5}
	f := newQueueFixture(t, scorer, Config{})
	ctx := context.Background()
	c := newScoringCall(t, f.store)

	if err := f.queue.Enqueue(ctx, c.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := f.queue.ProcessDue(ctx, f.now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 leased job, got %d", n)
	}

	got, _ := f.store.Get(ctx, c.ID)
	if got.Status != calls.StatusComplete {
		t.Fatalf("expected complete, got %q", got.Status)
	}
	if got.OverallScore == nil || *got.OverallScore != 87.5 {
		t.Fatalf("expected overall score 87.5, got %+v", got.OverallScore)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("expected no error message, got %q", got.ErrorMessage)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("schedule should be empty after success")
	}
}

func TestQueue_RetriesThenGivesUp(t *testing.T) {
	scorer := &stubScorer{failures: 100}
	f := newQueueFixture(t, scorer, Config{})
	ctx := context.Background()
	c := newScoringCall(t, f.store)

	if err := f.queue.Enqueue(ctx, c.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1 fails; the call stays in scoring with a progress note.
	if _, err := f.queue.ProcessDue(ctx, f.now); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := f.store.Get(ctx, c.ID)
	if got.Status != calls.StatusScoring {
		t.Fatalf("call must stay in scoring between attempts, got %q", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "attempt 1 of 3") {
		t.Fatalf("expected progress note, got %q", got.ErrorMessage)
	}

	// The retry is not due until the 1s backoff elapses.
	if n, _ := f.queue.ProcessDue(ctx, f.now); n != 0 {
		t.Fatalf("retry leased before its backoff elapsed")
	}

	f.advance(time.Second)
	if _, err := f.queue.ProcessDue(ctx, f.now); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ = f.store.Get(ctx, c.ID)
	if !strings.Contains(got.ErrorMessage, "attempt 2 of 3") {
		t.Fatalf("expected second progress note, got %q", got.ErrorMessage)
	}

	// Second backoff step is 5s.
	f.advance(4 * time.Second)
	if n, _ := f.queue.ProcessDue(ctx, f.now); n != 0 {
		t.Fatalf("retry leased before the 5s backoff elapsed")
	}
	f.advance(time.Second)
	if _, err := f.queue.ProcessDue(ctx, f.now); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ = f.store.Get(ctx, c.ID)
	if got.Status != calls.StatusError {
		t.Fatalf("expected terminal error after exhaustion, got %q", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "scoring failed after 3 attempts") {
		t.Fatalf("expected exhaustion message, got %q", got.ErrorMessage)
	}
	if scorer.count() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", scorer.count())
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("no retry may remain scheduled after exhaustion")
	}
}

func TestQueue_RecoversOnLaterAttempt(t *testing.T) {
	scorer := &stubScorer{failures: 1, overall: 70}
	f := newQueueFixture(t, scorer, Config{})
	ctx := context.Background()
	c := newScoringCall(t, f.store)

	if err := f.queue.Enqueue(ctx, c.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.queue.ProcessDue(ctx, f.now); err != nil {
		t.Fatalf("process: %v", err)
	}
	f.advance(time.Second)
	if _, err := f.queue.ProcessDue(ctx, f.now); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := f.store.Get(ctx, c.ID)
	if got.Status != calls.StatusComplete {
		t.Fatalf("expected complete after recovery, got %q (%s)", got.Status, got.ErrorMessage)
	}
	if got.OverallScore == nil || *got.OverallScore != 70 {
		t.Fatalf("expected score 70, got %+v", got.OverallScore)
	}
	if scorer.count() != 2 {
		t.Fatalf("expected 2 attempts, got %d", scorer.count())
	}
}

func TestQueue_EnqueueRequiresTranscript(t *testing.T) {
	f := newQueueFixture(t, &stubScorer{}, Config{})
	ctx := context.Background()

	c, err := f.store.Create(ctx, calls.Call{
		Source:   calls.SourceManual,
		CallDate: f.now,
		Status:   calls.StatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.queue.Enqueue(ctx, c.ID); !errors.Is(err, calls.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if f.sched.Pending() != 0 {
		t.Fatalf("nothing may be scheduled for a transcript-less call")
	}
}

func TestQueue_EnqueueFromErrorReentersScoring(t *testing.T) {
	f := newQueueFixture(t, &stubScorer{overall: 50}, Config{})
	ctx := context.Background()
	c := newScoringCall(t, f.store)

	if _, err := f.store.UpdateStatus(ctx, c.ID, calls.StatusScoring, calls.StatusError, calls.StatusUpdate{ErrorMessage: "boom"}); err != nil {
		t.Fatalf("to error: %v", err)
	}
	if err := f.queue.Enqueue(ctx, c.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, _ := f.store.Get(ctx, c.ID)
	if got.Status != calls.StatusScoring {
		t.Fatalf("expected scoring, got %q", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("re-entering scoring must clear the prior error, got %q", got.ErrorMessage)
	}
	if f.sched.Pending() != 1 {
		t.Fatalf("expected one scheduled attempt")
	}
}

func TestQueue_EnqueueFromCompleteRejected(t *testing.T) {
	f := newQueueFixture(t, &stubScorer{}, Config{})
	ctx := context.Background()
	c := newScoringCall(t, f.store)

	score := 90.0
	if _, err := f.store.UpdateStatus(ctx, c.ID, calls.StatusScoring, calls.StatusComplete, calls.StatusUpdate{OverallScore: &score}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.queue.Enqueue(ctx, c.ID); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestQueue_StaleJobDropped(t *testing.T) {
	scorer := &stubScorer{}
	f := newQueueFixture(t, scorer, Config{})
	ctx := context.Background()
	c := newScoringCall(t, f.store)

	if err := f.queue.Enqueue(ctx, c.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A concurrent flow completes the call before the worker gets to it.
	score := 99.0
	if _, err := f.store.UpdateStatus(ctx, c.ID, calls.StatusScoring, calls.StatusComplete, calls.StatusUpdate{OverallScore: &score}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := f.queue.ProcessDue(ctx, f.now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the stale job to be leased, got %d", n)
	}
	if scorer.count() != 0 {
		t.Fatalf("stale job must not reach the scorer")
	}
	got, _ := f.store.Get(ctx, c.ID)
	if got.Status != calls.StatusComplete || *got.OverallScore != 99.0 {
		t.Fatalf("stale job must not touch the call: %+v", got)
	}
}

func TestQueue_RetryFailedBounded(t *testing.T) {
	f := newQueueFixture(t, &stubScorer{overall: 60}, Config{RetryBatchLimit: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		c := newScoringCall(t, f.store)
		f.advance(time.Minute)
		if _, err := f.store.UpdateStatus(ctx, c.ID, calls.StatusScoring, calls.StatusError, calls.StatusUpdate{ErrorMessage: "boom"}); err != nil {
			t.Fatalf("to error: %v", err)
		}
		ids = append(ids, c.ID)
	}

	res, err := f.queue.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Retried != 2 {
		t.Fatalf("expected batch limit 2, retried %d", res.Retried)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected per-call errors: %v", res.Errors)
	}
	if f.sched.Pending() != 2 {
		t.Fatalf("expected 2 scheduled attempts, got %d", f.sched.Pending())
	}

	// Third call is untouched and picked up by the next invocation.
	third, _ := f.store.Get(ctx, ids[2])
	if third.Status != calls.StatusError {
		t.Fatalf("third call should still be in error, got %q", third.Status)
	}
	res, err = f.queue.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("second retry failed: %v", err)
	}
	if res.Retried != 1 {
		t.Fatalf("expected remaining call retried, got %d", res.Retried)
	}
}

func TestQueue_RetryDelaySchedule(t *testing.T) {
	f := newQueueFixture(t, &stubScorer{}, Config{
		Backoff: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
	})
	want := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 15 * time.Second},
		// Past the schedule the last delay is reused.
		{4, 15 * time.Second},
		{9, 15 * time.Second},
	}
	for _, w := range want {
		if got := f.queue.retryDelay(w.attempt); got != w.delay {
			t.Fatalf("retryDelay(%d) = %s, want %s", w.attempt, got, w.delay)
		}
	}
}
