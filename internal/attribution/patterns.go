package attribution

import "regexp"

// Phrase dictionaries driving the rep/prospect heuristics.
//
// Kept as explicit {pattern, weight, polarity} tables so the weights are
// unit-testable in isolation from the orchestration code. Weights follow the
// strong/moderate split: strong matches are near-unambiguous role tells,
// moderate matches are merely suggestive.

type Polarity int

const (
	PolarityRep Polarity = iota
	PolarityProspect
)

const (
	weightStrong   = 5
	weightModerate = 2

	// contentModeWeight is the flat per-match weight in content mode, where
	// no talk-time or ordering features exist to calibrate against.
	contentModeWeight = 2
)

type PhrasePattern struct {
	Pattern  *regexp.Regexp
	Weight   int
	Polarity Polarity
}

var phrasePatterns = []PhrasePattern{
	// Rep tells: self-introduction and company-offer language.
	{regexp.MustCompile(`(?i)\b(my name is|this is \w+ (calling|with|from))\b`), weightStrong, PolarityRep},
	{regexp.MustCompile(`(?i)\bcalling (you )?(from|with|on behalf of)\b`), weightStrong, PolarityRep},
	{regexp.MustCompile(`(?i)\b(we (offer|provide|have)|our (company|program|plan|policy|coverage))\b`), weightStrong, PolarityRep},
	// Pricing/enrollment language.
	{regexp.MustCompile(`(?i)\b(get you (enrolled|signed up|started)|sign you up|enrollment|application)\b`), weightStrong, PolarityRep},
	{regexp.MustCompile(`(?i)\b(per month|monthly (premium|payment)|the (cost|price|premium) (is|would be))\b`), weightStrong, PolarityRep},
	// Affirmation phrases reps lean on while steering.
	{regexp.MustCompile(`(?i)\b(absolutely|great question|perfect|wonderful|fantastic)\b`), weightModerate, PolarityRep},
	{regexp.MustCompile(`(?i)\b(does that make sense|let me (explain|walk you through))\b`), weightModerate, PolarityRep},

	// Prospect tells: references to a dependent or spouse.
	{regexp.MustCompile(`(?i)\b(my (wife|husband|spouse|son|daughter|kids|children|mother|father))\b`), weightStrong, PolarityProspect},
	// Price-shock questions.
	{regexp.MustCompile(`(?i)\b(how much (is|does|would)|that('?s| is) (too )?expensive|can'?t afford)\b`), weightStrong, PolarityProspect},
	// Deferral language.
	{regexp.MustCompile(`(?i)\b(think (about it|it over)|call (me )?back|talk to my|not (right now|today|interested))\b`), weightStrong, PolarityProspect},
	// Hedging.
	{regexp.MustCompile(`(?i)\b(i guess|i suppose|maybe|not sure|i don'?t know)\b`), weightModerate, PolarityProspect},
	{regexp.MustCompile(`(?i)\b(what (do you mean|is th(at|is) for)|why (do|would) (i|you))\b`), weightModerate, PolarityProspect},
}

// interrogativeOpener marks utterances that read as questions even without
// a trailing question mark.
var interrogativeOpener = regexp.MustCompile(`(?i)^(who|what|when|where|why|how|is|are|am|do|does|did|can|could|would|will|should|won'?t|don'?t)\b`)

// acknowledgementOpener marks short reactive openers typical of the
// listening party.
var acknowledgementOpener = regexp.MustCompile(`(?i)^(okay|ok|yes|yeah|yep|right|sure|no|nope|hmm+|mhm+|uh[- ]?huh|alright|i see|got it|gotcha)\b`)

// patternScore returns the diarized-mode rep score contribution of text:
// rep matches add their weight, prospect matches subtract theirs.
func patternScore(text string) float64 {
	score := 0.0
	for _, p := range phrasePatterns {
		if !p.Pattern.MatchString(text) {
			continue
		}
		if p.Polarity == PolarityRep {
			score += float64(p.Weight)
		} else {
			score -= float64(p.Weight)
		}
	}
	return score
}

// contentScores returns independent rep/prospect scores for one segment in
// content mode: a flat +2 per dictionary match on the matching side.
func contentScores(text string) (rep, prospect float64) {
	for _, p := range phrasePatterns {
		if !p.Pattern.MatchString(text) {
			continue
		}
		if p.Polarity == PolarityRep {
			rep += contentModeWeight
		} else {
			prospect += contentModeWeight
		}
	}
	return rep, prospect
}
