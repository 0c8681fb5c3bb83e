// Package dedupe decides whether an incoming call record corresponds to a
// call already stored from a different ingestion source.
//
// The same physical conversation can arrive both through the CRM
// integration and the telephony webhook; this guard is the only thing
// keeping it from being stored (and counted) twice.
package dedupe

import (
	"context"
	"strings"
	"time"

	"callscore-platform/internal/calls"
)

const (
	// matchWindow is how far apart two records of the same conversation may
	// place the call timestamp.
	matchWindow = 10 * time.Minute

	// durationTolerance is the allowed duration disagreement when both
	// records carry one.
	durationTolerance = 30

	// minPhoneDigits below which a phone number is treated as
	// non-matchable. A garbage phone must never cause a false-positive
	// merge.
	minPhoneDigits = 7

	// phoneSuffixLen is how many trailing digits must agree. Last-10
	// comparison tolerates country-code formatting differences.
	phoneSuffixLen = 10
)

type Candidate struct {
	Phone           string
	CallDate        time.Time
	DurationSeconds int

	// ExcludeSource skips records from the candidate's own ingestion
	// source; same-source idempotency is that source's external-id
	// uniqueness check, not this guard's job.
	ExcludeSource calls.Source
}

type Match struct {
	IsDuplicate    bool
	ExistingCallID string
}

type Guard struct {
	store calls.Store
}

func NewGuard(store calls.Store) *Guard {
	return &Guard{store: store}
}

// IsDuplicate reports whether c matches an existing call from a different
// source: call_date within ±10 minutes, last-10-digit phone equality, and
// duration within 30 seconds when both records carry one. The first match
// is conclusive; candidates are not ranked.
func (g *Guard) IsDuplicate(ctx context.Context, c Candidate) (Match, error) {
	phone := NormalizePhone(c.Phone)
	if len(phone) < minPhoneDigits {
		return Match{}, nil
	}

	existing, err := g.store.FindDedupCandidates(ctx,
		c.CallDate.Add(-matchWindow), c.CallDate.Add(matchWindow), c.ExcludeSource)
	if err != nil {
		return Match{}, err
	}

	for _, e := range existing {
		if !phonesMatch(phone, e.ContactPhone) {
			continue
		}
		if c.DurationSeconds > 0 && e.DurationSeconds > 0 {
			if abs(c.DurationSeconds-e.DurationSeconds) > durationTolerance {
				continue
			}
		}
		return Match{IsDuplicate: true, ExistingCallID: e.ID}, nil
	}
	return Match{}, nil
}

// NormalizePhone strips a phone number down to its digits.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func phonesMatch(a, b string) bool {
	b = NormalizePhone(b)
	if len(b) < minPhoneDigits {
		return false
	}
	return lastN(a, phoneSuffixLen) == lastN(b, phoneSuffixLen)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
