package dedupe

import (
	"context"
	"testing"
	"time"

	"callscore-platform/internal/calls"
)

func seedCall(t *testing.T, store *calls.MemoryStore, source calls.Source, phone string, date time.Time, duration int) calls.Call {
	t.Helper()
	c, err := store.Create(context.Background(), calls.Call{
		Source:          source,
		ExternalID:      "ext-" + string(source) + date.Format("150405"),
		ContactPhone:    NormalizePhone(phone),
		CallDate:        date,
		DurationSeconds: duration,
		RecordingURL:    "https://recordings.example.com/a.wav",
		Status:          calls.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return c
}

func TestIsDuplicate_MatchesAcrossSources(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	existing := seedCall(t, store, calls.SourceCRM, "+1 (555) 123-4567", date, 300)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:           "555-123-4567",
		CallDate:        date.Add(5 * time.Minute),
		DurationSeconds: 290,
		ExcludeSource:   calls.SourceTelephony,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match.IsDuplicate {
		t.Fatalf("expected duplicate match")
	}
	if match.ExistingCallID != existing.ID {
		t.Fatalf("expected existing call %s, got %s", existing.ID, match.ExistingCallID)
	}
}

func TestIsDuplicate_OutsideTimeWindow(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	seedCall(t, store, calls.SourceCRM, "5551234567", date, 300)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:         "5551234567",
		CallDate:      date.Add(11 * time.Minute),
		ExcludeSource: calls.SourceTelephony,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.IsDuplicate {
		t.Fatalf("11 minutes apart must not match")
	}
}

func TestIsDuplicate_DurationDisagrees(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	seedCall(t, store, calls.SourceCRM, "5551234567", date, 300)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:           "5551234567",
		CallDate:        date.Add(2 * time.Minute),
		DurationSeconds: 400,
		ExcludeSource:   calls.SourceTelephony,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.IsDuplicate {
		t.Fatalf("durations 100s apart must not match")
	}
}

func TestIsDuplicate_MissingDurationStillMatches(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	seedCall(t, store, calls.SourceCRM, "5551234567", date, 0)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:           "5551234567",
		CallDate:        date.Add(time.Minute),
		DurationSeconds: 300,
		ExcludeSource:   calls.SourceTelephony,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match.IsDuplicate {
		t.Fatalf("duration check applies only when both records carry one")
	}
}

func TestIsDuplicate_SameSourceExcluded(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	seedCall(t, store, calls.SourceCRM, "5551234567", date, 300)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:         "5551234567",
		CallDate:      date,
		ExcludeSource: calls.SourceCRM,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.IsDuplicate {
		t.Fatalf("records from the candidate's own source must be excluded")
	}
}

func TestIsDuplicate_ShortPhoneNeverMatches(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	seedCall(t, store, calls.SourceCRM, "12345", date, 300)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:         "12345",
		CallDate:      date,
		ExcludeSource: calls.SourceTelephony,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.IsDuplicate {
		t.Fatalf("phones under 7 digits must never match")
	}
}

func TestIsDuplicate_CountryCodeFormatting(t *testing.T) {
	store := calls.NewMemoryStore()
	date := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	existing := seedCall(t, store, calls.SourceTelephony, "+15551234567", date, 180)

	g := NewGuard(store)
	match, err := g.IsDuplicate(context.Background(), Candidate{
		Phone:           "(555) 123-4567",
		CallDate:        date.Add(-3 * time.Minute),
		DurationSeconds: 170,
		ExcludeSource:   calls.SourceManual,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !match.IsDuplicate || match.ExistingCallID != existing.ID {
		t.Fatalf("last-10-digit comparison should bridge country-code formats, got %+v", match)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 123-4567": "15551234567",
		"555.123.4567":      "5551234567",
		"":                  "",
		"ext. 12":           "12",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
