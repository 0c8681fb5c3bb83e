package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callscore-platform/internal/calls"
	"callscore-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Queue drives the scoring step for calls in StatusScoring: bounded
// attempts, fixed backoff between them, and a guaranteed terminal outcome.
// Every enqueue ends in complete or error, never a call left dangling in
// scoring with no attempt pending.
//
// Failure classification is deliberately not attempted: any scorer error is
// retryable up to the attempt cap. The queue cannot tell a transient
// network error from a permanently unscorable transcript.

type Config struct {
	// MaxAttempts caps scoring attempts per enqueue.
	MaxAttempts int

	// Backoff is the delay schedule before retry n. When attempts outrun
	// the schedule the last delay is reused.
	Backoff []time.Duration

	// PollInterval is how often the worker leases due jobs.
	PollInterval time.Duration

	// LeaseBatch bounds jobs leased per poll.
	LeaseBatch int

	// RetryBatchLimit bounds calls re-enqueued per bulk retry, to avoid
	// unbounded fan-out against the scoring service.
	RetryBatchLimit int

	// ConcurrencyCap bounds simultaneous scoring attempts across the
	// process fleet (enforced via Redis). 0 disables the cap.
	ConcurrencyCap int
	CapTTL         time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if len(out.Backoff) == 0 {
		out.Backoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.LeaseBatch <= 0 {
		out.LeaseBatch = 10
	}
	if out.RetryBatchLimit <= 0 {
		out.RetryBatchLimit = 25
	}
	if out.CapTTL <= 0 {
		out.CapTTL = 5 * time.Minute
	}
	return out
}

const capKey = "scoring:inflight"

type Queue struct {
	store  calls.Store
	scorer Scorer
	sched  Scheduler
	cfg    Config
	log    *slog.Logger

	// rdb backs the optional cross-process concurrency cap.
	rdb *redis.Client

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewQueue(store calls.Store, scorer Scorer, sched Scheduler, cfg Config, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		store:  store,
		scorer: scorer,
		sched:  sched,
		cfg:    cfg.withDefaults(),
		log:    log,
		clock:  time.Now,
	}
}

// WithConcurrencyCap enables the Redis-backed in-flight cap.
func (q *Queue) WithConcurrencyCap(rdb *redis.Client) *Queue {
	q.rdb = rdb
	return q
}

// Enqueue marks the call scoring (when it is not already) and schedules the
// first attempt. Legal from scoring (direct-entry calls and calls that just
// finished transcription), transcribing, and error with a transcript.
func (q *Queue) Enqueue(ctx context.Context, callID string) error {
	c, err := q.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if len(c.Transcript) == 0 {
		return fmt.Errorf("%w: scoring requires a transcript", calls.ErrInvalidStatus)
	}
	if c.Status != calls.StatusScoring {
		if _, err := q.store.UpdateStatus(ctx, callID, c.Status, calls.StatusScoring, calls.StatusUpdate{}); err != nil {
			return err
		}
	}
	return q.sched.Schedule(ctx, Job{CallID: callID, Attempt: 1}, q.clock())
}

// Run polls for due jobs until ctx is canceled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.log.Info("scoring worker started",
		"max_attempts", q.cfg.MaxAttempts, "poll_interval", q.cfg.PollInterval.String())

	for {
		select {
		case <-ctx.Done():
			q.log.Info("scoring worker stopped")
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx, q.clock()); err != nil {
				q.log.Error("scoring lease failed", "err", err)
			}
		}
	}
}

// ProcessDue leases jobs due at now and processes them, returning how many
// were leased. Jobs in one batch run concurrently; ProcessDue returns when
// all have finished.
func (q *Queue) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	jobs, err := q.sched.Due(ctx, now, q.cfg.LeaseBatch)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			q.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (q *Queue) process(ctx context.Context, job Job) {
	log := q.log.With("call_id", job.CallID, "attempt", job.Attempt)

	c, err := q.store.Get(ctx, job.CallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			log.Warn("scoring job dropped: call no longer exists")
			return
		}
		// The store is unreachable; put the job back untouched.
		_ = q.sched.Schedule(ctx, job, q.clock().Add(q.cfg.PollInterval))
		log.Error("scoring job deferred: call read failed", "err", err)
		return
	}
	if c.Status != calls.StatusScoring {
		// A user action or concurrent flow moved the call; the queue entry
		// is stale.
		log.Info("scoring job dropped: call left scoring", "status", string(c.Status))
		return
	}

	if q.rdb != nil && q.cfg.ConcurrencyCap > 0 {
		ok, err := utils.AcquireConcurrencyCap(ctx, q.rdb, capKey, q.cfg.ConcurrencyCap, q.cfg.CapTTL)
		if err != nil || !ok {
			// At capacity (or cap unavailable): defer without consuming an
			// attempt.
			_ = q.sched.Schedule(ctx, job, q.clock().Add(q.cfg.PollInterval))
			return
		}
		defer func() { _ = utils.ReleaseConcurrencyCap(ctx, q.rdb, capKey) }()
	}

	res, err := q.scorer.Score(ctx, c.Transcript)
	if err == nil {
		score := res.Overall
		if _, uerr := q.store.UpdateStatus(ctx, job.CallID, calls.StatusScoring, calls.StatusComplete, calls.StatusUpdate{
			OverallScore: &score,
		}); uerr != nil {
			if errors.Is(uerr, calls.ErrStaleStatus) {
				log.Info("scoring result discarded: call left scoring")
				return
			}
			log.Error("scoring completion write failed", "err", uerr)
			return
		}
		log.Info("scoring complete", "overall_score", score)
		return
	}

	if job.Attempt >= q.cfg.MaxAttempts {
		msg := fmt.Sprintf("scoring failed after %d attempts: %v", job.Attempt, err)
		if _, uerr := q.store.UpdateStatus(ctx, job.CallID, calls.StatusScoring, calls.StatusError, calls.StatusUpdate{
			ErrorMessage: msg,
		}); uerr != nil && !errors.Is(uerr, calls.ErrStaleStatus) {
			log.Error("scoring failure write failed", "err", uerr)
		}
		log.Warn("scoring attempts exhausted", "err", err)
		return
	}

	// A polling user should see why the call is still in scoring, not idle
	// progress with no signal.
	delay := q.retryDelay(job.Attempt)
	note := fmt.Sprintf("scoring attempt %d of %d failed: %v; retrying in %s",
		job.Attempt, q.cfg.MaxAttempts, err, delay)
	if nerr := q.store.SetErrorNote(ctx, job.CallID, calls.StatusScoring, note); nerr != nil {
		if errors.Is(nerr, calls.ErrStaleStatus) || errors.Is(nerr, calls.ErrNotFound) {
			log.Info("scoring retry dropped: call left scoring")
			return
		}
		log.Error("scoring retry note failed", "err", nerr)
	}

	next := Job{CallID: job.CallID, Attempt: job.Attempt + 1, LastError: err.Error()}
	if serr := q.sched.Schedule(ctx, next, q.clock().Add(delay)); serr != nil {
		// Scheduling failed; make the loss visible on the call rather than
		// leaving it silently dangling in scoring.
		msg := fmt.Sprintf("scoring attempt %d of %d failed: %v; retry scheduling failed: %v",
			job.Attempt, q.cfg.MaxAttempts, err, serr)
		if _, uerr := q.store.UpdateStatus(ctx, job.CallID, calls.StatusScoring, calls.StatusError, calls.StatusUpdate{
			ErrorMessage: msg,
		}); uerr != nil && !errors.Is(uerr, calls.ErrStaleStatus) {
			log.Error("scoring failure write failed", "err", uerr)
		}
		return
	}
	log.Warn("scoring attempt failed, retry scheduled", "err", err, "delay", delay.String())
}

// retryDelay returns the delay before the attempt following attempt n,
// reusing the last configured delay when the schedule is exhausted.
func (q *Queue) retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(q.cfg.Backoff) {
		idx = len(q.cfg.Backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return q.cfg.Backoff[idx]
}

// RetryResult reports a bulk retry outcome.
type RetryResult struct {
	Retried int      `json:"retried"`
	Errors  []string `json:"errors,omitempty"`
}

// RetryFailed re-enqueues calls in error that already have a transcript
// (scoring failures; calls without a transcript need re-transcription
// instead). Bounded to RetryBatchLimit per invocation; one bad call never
// aborts the batch.
func (q *Queue) RetryFailed(ctx context.Context) (RetryResult, error) {
	failed, err := q.store.ListRetryableFailures(ctx, q.cfg.RetryBatchLimit)
	if err != nil {
		return RetryResult{}, err
	}

	var out RetryResult
	for _, c := range failed {
		if err := q.Enqueue(ctx, c.ID); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("call %s: %v", c.ID, err))
			continue
		}
		out.Retried++
	}
	return out, nil
}
