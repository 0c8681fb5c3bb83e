// Package attribution assigns rep/prospect roles to transcript segments.
//
// Two modes exist. When the speech service diarized the audio (distinct
// speaker tags), per-speaker aggregate heuristics map tags to roles. When no
// diarization is available, each segment is classified independently by
// content. Content mode is a best-effort fallback, strictly less accurate,
// and never used when tags are present.
//
// Both modes are deterministic pure functions over the segment list and
// never fail: empty input yields empty output, and every output segment
// carries exactly one of rep/prospect.
package attribution

import (
	"sort"
	"strings"

	"callscore-platform/internal/calls"
)

// Segment is a raw timed utterance from a speech-to-text result.
// SpeakerTag is the vendor's diarization label, empty when not diarized.
type Segment struct {
	SpeakerTag string
	Text       string
	Start      float64
	End        float64
}

// Result is a labeled transcript plus the internal score margin.
// Confidence is kept as an optional signal for future use; no behavior
// depends on it.
type Result struct {
	Segments   []calls.TranscriptSegment
	Confidence float64
	Diarized   bool
}

// mergeGapSeconds is the maximum silence between consecutive same-speaker
// segments that still merges them. Short speech-API chunking fragments
// transcripts badly without this.
const mergeGapSeconds = 2

// Assign labels segs, choosing diarized mode when 2+ distinct speaker tags
// are present and content mode otherwise.
func Assign(segs []Segment) Result {
	if len(segs) == 0 {
		return Result{}
	}
	if countSpeakers(segs) >= 2 {
		return assignDiarized(segs)
	}
	return assignByContent(segs)
}

func countSpeakers(segs []Segment) int {
	seen := map[string]struct{}{}
	for _, s := range segs {
		if s.SpeakerTag != "" {
			seen[s.SpeakerTag] = struct{}{}
		}
	}
	return len(seen)
}

type speakerStats struct {
	tag          string
	talkTime     float64
	utterances   int
	questions    int
	patternScore float64
	firstStart   float64
}

// assignDiarized maps diarized speaker tags to roles using per-speaker
// aggregates. The highest-scoring speaker is the rep; all others are the
// prospect (with 3+ speakers only the top role is meaningful, extras
// default to prospect).
func assignDiarized(segs []Segment) Result {
	byTag := map[string]*speakerStats{}
	var order []string
	for _, s := range segs {
		st, ok := byTag[s.SpeakerTag]
		if !ok {
			st = &speakerStats{tag: s.SpeakerTag, firstStart: s.Start}
			byTag[s.SpeakerTag] = st
			order = append(order, s.SpeakerTag)
		}
		st.talkTime += s.End - s.Start
		st.utterances++
		if isQuestion(s.Text) {
			st.questions++
		}
		st.patternScore += patternScore(s.Text)
	}

	scores := map[string]float64{}
	for tag, st := range byTag {
		score := st.patternScore

		// High question ratio reads as the prospect reacting.
		questionRatio := float64(st.questions) / float64(st.utterances)
		score -= 10 * questionRatio

		// Long average utterances read as explaining, not reacting.
		if st.talkTime/float64(st.utterances) > 10 {
			score += 2
		}
		scores[tag] = score
	}

	// Calls are usually initiated by the rep.
	scores[order[0]] += 3

	// Reps talk more overall: dominant talk time (>30% over the runner-up)
	// earns a bonus.
	if dominant := talkTimeDominant(byTag); dominant != "" {
		scores[dominant] += 5
	}

	repTag, margin := topScore(scores)

	out := make([]calls.TranscriptSegment, 0, len(segs))
	for _, s := range segs {
		speaker := calls.SpeakerProspect
		if s.SpeakerTag == repTag {
			speaker = calls.SpeakerRep
		}
		out = append(out, calls.TranscriptSegment{
			Speaker:   speaker,
			Text:      s.Text,
			StartTime: s.Start,
			EndTime:   s.End,
		})
	}
	return Result{
		Segments:   Merge(out),
		Confidence: normalizeMargin(margin),
		Diarized:   true,
	}
}

func talkTimeDominant(byTag map[string]*speakerStats) string {
	type tt struct {
		tag  string
		time float64
	}
	var times []tt
	for tag, st := range byTag {
		times = append(times, tt{tag, st.talkTime})
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].time != times[j].time {
			return times[i].time > times[j].time
		}
		return times[i].tag < times[j].tag
	})
	if len(times) < 2 {
		return ""
	}
	if times[0].time > times[1].time*1.3 {
		return times[0].tag
	}
	return ""
}

func topScore(scores map[string]float64) (tag string, margin float64) {
	type sc struct {
		tag   string
		score float64
	}
	var all []sc
	for t, s := range scores {
		all = append(all, sc{t, s})
	}
	// Sort by score desc, tag asc for a deterministic winner on ties.
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].tag < all[j].tag
	})
	if len(all) == 1 {
		return all[0].tag, all[0].score
	}
	return all[0].tag, all[0].score - all[1].score
}

// assignByContent classifies each segment independently. Ties alternate from
// the previous segment's speaker; the previous speaker defaults to rep since
// calls are assumed rep-initiated, so a leading tie goes to the prospect.
func assignByContent(segs []Segment) Result {
	out := make([]calls.TranscriptSegment, 0, len(segs))
	prev := calls.SpeakerRep
	decisive := 0

	for _, s := range segs {
		rep, prospect := contentScores(s.Text)

		text := strings.TrimSpace(s.Text)
		if strings.HasSuffix(text, "?") {
			prospect++
		}
		if len(text) < 20 && acknowledgementOpener.MatchString(text) {
			prospect++
		}

		var speaker calls.Speaker
		switch {
		case rep > prospect:
			speaker = calls.SpeakerRep
			decisive++
		case prospect > rep:
			speaker = calls.SpeakerProspect
			decisive++
		default:
			speaker = prev.Other()
		}
		prev = speaker

		out = append(out, calls.TranscriptSegment{
			Speaker:   speaker,
			Text:      s.Text,
			StartTime: s.Start,
			EndTime:   s.End,
		})
	}

	confidence := 0.0
	if len(segs) > 0 {
		confidence = float64(decisive) / float64(len(segs))
	}
	return Result{Segments: Merge(out), Confidence: confidence}
}

func isQuestion(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasSuffix(text, "?") || interrogativeOpener.MatchString(text)
}

// normalizeMargin squashes the unbounded diarized score margin into (0, 1).
func normalizeMargin(margin float64) float64 {
	if margin < 0 {
		margin = 0
	}
	return margin / (margin + 10)
}

// Merge joins consecutive same-speaker segments separated by at most 2
// seconds, concatenating text with a single space.
func Merge(segs []calls.TranscriptSegment) []calls.TranscriptSegment {
	if len(segs) == 0 {
		return segs
	}
	out := []calls.TranscriptSegment{segs[0]}
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if s.Speaker == last.Speaker && s.StartTime-last.EndTime <= mergeGapSeconds {
			if s.Text != "" {
				if last.Text != "" {
					last.Text += " "
				}
				last.Text += s.Text
			}
			if s.EndTime > last.EndTime {
				last.EndTime = s.EndTime
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
