package calls

import (
	"context"
	"time"
)

// Store is the persistence contract for calls.
//
// Concurrency discipline: every write that changes status is a conditional
// update guarded by the expected current status
// (UPDATE ... WHERE status = $expected). A guard miss returns ErrStaleStatus
// and the writer gives up rather than clobbering a concurrent flow.
type Store interface {
	// Create inserts a new call. The status must satisfy InitialStatus.
	// Returns ErrDuplicateExternalID when (source, external_id) is taken.
	Create(ctx context.Context, c Call) (Call, error)

	Get(ctx context.Context, id string) (Call, error)

	// FindBySourceExternalID is the idempotent lookup for re-delivered
	// source events (webhook replays, repeated CRM pages).
	FindBySourceExternalID(ctx context.Context, source Source, externalID string) (Call, bool, error)

	// UpdateStatus applies a guarded transition and writes the update
	// fields atomically. Transitions into scoring clear error_message;
	// transitions into error must carry one (see ValidateUpdate).
	UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (Call, error)

	// SetErrorNote updates error_message without changing status, guarded
	// on the expected status. Used between scoring attempts so a polling
	// user sees why the call is still in scoring.
	SetErrorNote(ctx context.Context, id string, expect Status, msg string) error

	// ApplySwap persists a speaker swap: flipped transcript, score cleared,
	// status forced to scoring. Guarded on the pre-swap status.
	ApplySwap(ctx context.Context, id string, from Status, segs []TranscriptSegment) (Call, error)

	// FindDedupCandidates returns calls whose call_date falls inside the
	// window, excluding the given source. Phone/duration comparison is the
	// dedupe guard's job, not the store's.
	FindDedupCandidates(ctx context.Context, from, to time.Time, excludeSource Source) ([]Call, error)

	// ListRetryableFailures returns calls in error that already have a
	// transcript (scoring failures, not transcription failures), oldest
	// first, bounded by limit.
	ListRetryableFailures(ctx context.Context, limit int) ([]Call, error)

	History(ctx context.Context, callID string) ([]StatusChange, error)
}
