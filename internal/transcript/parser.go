// Package transcript turns vendor call exports and speech-to-text results
// into ordered, timed transcript segments.
package transcript

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"callscore-platform/internal/calls"
)

// ParseError marks a malformed transcript source. Not retried; the user is
// asked to upload a different file.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "transcript parse: " + e.Reason }

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// lastSegmentTailSeconds pads the final segment, which has no successor to
// borrow an end time from.
const lastSegmentTailSeconds = 5

// timestampLine matches "<offset> - <party name>", where offset is either
// "42s" or "3m12s".
var timestampLine = regexp.MustCompile(`^(?:(\d+)m)?(\d+)s\s*-\s*(.+)$`)

// accountHolderLine matches the header line designating the account holder,
// e.g. "Account Holder: Alice Smith".
var accountHolderLine = regexp.MustCompile(`(?i)^account\s*holder\s*:\s*(.+)$`)

// ParseVendorExport parses the line-oriented vendor call export: a header
// block naming the two parties followed by a transcription block of
// alternating timestamp lines and text lines.
//
// The named account holder maps to rep, the other party to prospect. A
// segment's end time is the next segment's start time; the last segment gets
// a fixed 5s tail.
func ParseVendorExport(text string) ([]calls.TranscriptSegment, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	accountHolder := parseHeader(lines)

	type rawSegment struct {
		start float64
		name  string
		parts []string
	}
	var raw []rawSegment
	sawTimestamp := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := timestampLine.FindStringSubmatch(line); m != nil {
			sawTimestamp = true
			minutes := 0
			if m[1] != "" {
				minutes, _ = strconv.Atoi(m[1])
			}
			seconds, _ := strconv.Atoi(m[2])
			raw = append(raw, rawSegment{
				start: float64(minutes*60 + seconds),
				name:  strings.TrimSpace(m[3]),
			})
			continue
		}
		if len(raw) > 0 {
			raw[len(raw)-1].parts = append(raw[len(raw)-1].parts, line)
		}
	}

	if accountHolder == "" && !sawTimestamp {
		return nil, &ParseError{Reason: "no header block and no timestamp lines found"}
	}
	if !sawTimestamp || len(raw) == 0 {
		return nil, &ParseError{Reason: "transcription block yielded no segments"}
	}

	if accountHolder == "" {
		// Export without a header block: fall back to the rep-initiates
		// convention and treat the first-named party as the rep.
		accountHolder = raw[0].name
	}

	out := make([]calls.TranscriptSegment, 0, len(raw))
	for i, r := range raw {
		end := r.start + lastSegmentTailSeconds
		if i+1 < len(raw) {
			end = raw[i+1].start
		}
		out = append(out, calls.TranscriptSegment{
			Speaker:   speakerForParty(r.name, accountHolder),
			Text:      strings.Join(r.parts, " "),
			StartTime: r.start,
			EndTime:   end,
		})
	}
	return out, nil
}

func parseHeader(lines []string) (accountHolder string) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if timestampLine.MatchString(line) {
			// Header block ends where the transcription block begins.
			return accountHolder
		}
		if m := accountHolderLine.FindStringSubmatch(line); m != nil {
			accountHolder = strings.TrimSpace(m[1])
		}
	}
	return accountHolder
}

// The named account holder party is the rep; everyone else is the prospect.
func speakerForParty(name, accountHolder string) calls.Speaker {
	if strings.EqualFold(name, accountHolder) {
		return calls.SpeakerRep
	}
	return calls.SpeakerProspect
}

// Validate checks the parser's output contract: non-empty, each segment
// start < end, starts non-decreasing.
func Validate(segs []calls.TranscriptSegment) error {
	if len(segs) == 0 {
		return &ParseError{Reason: "empty transcript"}
	}
	for i, s := range segs {
		if s.StartTime >= s.EndTime {
			return &ParseError{Reason: fmt.Sprintf("segment %d: start %.1f >= end %.1f", i, s.StartTime, s.EndTime)}
		}
		if i > 0 && s.StartTime < segs[i-1].StartTime {
			return &ParseError{Reason: fmt.Sprintf("segment %d: start times decrease", i)}
		}
	}
	return nil
}
