package transcript

import (
	"strings"
	"testing"

	"callscore-platform/internal/calls"
)

const aliceBobExport = `Account Holder: Alice
Participant: Bob

0s - Alice
Hi Bob, this is Alice calling with Acme Benefits.
5s - Bob
Oh, hi.
9s - Alice
Do you have a couple of minutes?
`

func TestParseVendorExport_AliceBob(t *testing.T) {
	segs, err := ParseVendorExport(aliceBobExport)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}

	wantSpeakers := []calls.Speaker{calls.SpeakerRep, calls.SpeakerProspect, calls.SpeakerRep}
	wantStarts := []float64{0, 5, 9}
	wantEnds := []float64{5, 9, 14}
	for i, s := range segs {
		if s.Speaker != wantSpeakers[i] {
			t.Fatalf("segment %d: expected speaker %q, got %q", i, wantSpeakers[i], s.Speaker)
		}
		if s.StartTime != wantStarts[i] {
			t.Fatalf("segment %d: expected start %v, got %v", i, wantStarts[i], s.StartTime)
		}
		if s.EndTime != wantEnds[i] {
			t.Fatalf("segment %d: expected end %v, got %v", i, wantEnds[i], s.EndTime)
		}
	}
	if segs[0].Text != "Hi Bob, this is Alice calling with Acme Benefits." {
		t.Fatalf("unexpected text: %q", segs[0].Text)
	}
}

func TestParseVendorExport_RoundTripShape(t *testing.T) {
	segs, err := ParseVendorExport(aliceBobExport)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := Validate(segs); err != nil {
		t.Fatalf("expected valid output, got %v", err)
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].StartTime < segs[i-1].StartTime {
			t.Fatalf("start times must be non-decreasing")
		}
	}
}

func TestParseVendorExport_MinutesOffsets(t *testing.T) {
	input := `Account Holder: Alice

1m30s - Alice
We can get you enrolled today.
2m5s - Bob
Let me think about it.
`
	segs, err := ParseVendorExport(input)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if segs[0].StartTime != 90 {
		t.Fatalf("expected 1m30s = 90, got %v", segs[0].StartTime)
	}
	if segs[1].StartTime != 125 {
		t.Fatalf("expected 2m5s = 125, got %v", segs[1].StartTime)
	}
	// Last segment gets the fixed 5s tail.
	if segs[1].EndTime != 130 {
		t.Fatalf("expected tail-padded end 130, got %v", segs[1].EndTime)
	}
}

func TestParseVendorExport_MultiLineText(t *testing.T) {
	input := `Account Holder: Alice

0s - Alice
First line of the pitch.
Second line continues it.
10s - Bob
Okay.
`
	segs, err := ParseVendorExport(input)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if segs[0].Text != "First line of the pitch. Second line continues it." {
		t.Fatalf("expected space-joined text, got %q", segs[0].Text)
	}
}

func TestParseVendorExport_NoHeaderNoTimestamps(t *testing.T) {
	_, err := ParseVendorExport("just some random notes\nwith no structure at all\n")
	if err == nil {
		t.Fatalf("expected ParseError")
	}
	if !IsParseError(err) {
		t.Fatalf("expected ParseError, got %T: %v", err, err)
	}
}

func TestParseVendorExport_HeaderButNoSegments(t *testing.T) {
	_, err := ParseVendorExport("Account Holder: Alice\n\nno transcription follows\n")
	if err == nil {
		t.Fatalf("expected ParseError")
	}
	if !IsParseError(err) {
		t.Fatalf("expected ParseError, got %T: %v", err, err)
	}
}

func TestParseVendorExport_NoHeaderFallsBackToFirstParty(t *testing.T) {
	input := `0s - Carol
Hi, this is Carol calling from Acme.
6s - Dan
Who is this?
`
	segs, err := ParseVendorExport(input)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if segs[0].Speaker != calls.SpeakerRep || segs[1].Speaker != calls.SpeakerProspect {
		t.Fatalf("expected first-named party to map to rep, got %q/%q", segs[0].Speaker, segs[1].Speaker)
	}
}

func TestParseVendorExport_EmptyInput(t *testing.T) {
	if _, err := ParseVendorExport(""); !IsParseError(err) {
		t.Fatalf("expected ParseError on empty input, got %v", err)
	}
	if _, err := ParseVendorExport(strings.Repeat("\n", 10)); !IsParseError(err) {
		t.Fatalf("expected ParseError on blank input, got %v", err)
	}
}
