package capture

import "strings"

// shortAnswers are single words that are legitimate complete turns.
var shortAnswers = map[string]struct{}{
	"yes": {}, "no": {}, "yeah": {}, "yep": {}, "nope": {}, "sure": {},
	"okay": {}, "ok": {}, "hello": {}, "hi": {}, "hey": {}, "goodbye": {},
	"bye": {}, "thanks": {}, "stop": {}, "wait": {}, "correct": {},
	"right": {}, "wrong": {}, "please": {}, "help": {}, "tomorrow": {},
	"today": {}, "morning": {}, "afternoon": {}, "evening": {},
}

// hallucinatedPhrases are recognizer artifacts that show up on silence or
// noise, never in real calls.
var hallucinatedPhrases = []string{
	"thank you for watching",
	"thanks for watching",
	"please subscribe",
	"subscribe to my channel",
	"see you in the next video",
	"subtitles by",
	"like and subscribe",
	"www.",
	"copyright",
}

// Verdict classifies a final transcript.
type Verdict int

const (
	// VerdictAccept means the text reads as a genuine caller turn.
	VerdictAccept Verdict = iota
	// VerdictReject means the text looks like noise; the caller should be
	// asked to repeat.
	VerdictReject
	// VerdictPassthrough means the text still looks like noise but the
	// reprompt budget is exhausted, so it is accepted anyway to keep the
	// call moving.
	VerdictPassthrough
)

// Filter rejects final transcripts characteristic of noise misrecognition.
// After maxRejects consecutive rejections the next suspect transcript passes
// through unfiltered so a persistently noisy line cannot deadlock a call.
type Filter struct {
	maxRejects int
	rejects    int
}

// NewFilter creates a filter allowing maxRejects consecutive reprompts
// (values below 1 default to 2).
func NewFilter(maxRejects int) *Filter {
	if maxRejects < 1 {
		maxRejects = 2
	}
	return &Filter{maxRejects: maxRejects}
}

// Check classifies text and updates the consecutive-reject counter.
func (f *Filter) Check(text string) (Verdict, string) {
	reason := suspectReason(text)
	if reason == "" {
		f.rejects = 0
		return VerdictAccept, ""
	}
	if f.rejects >= f.maxRejects {
		f.rejects = 0
		return VerdictPassthrough, reason
	}
	f.rejects++
	return VerdictReject, reason
}

// suspectReason returns a non-empty reason when text looks like noise.
func suspectReason(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Trim(normalized, ".,!?\"'")
	if normalized == "" {
		return "empty"
	}

	for _, phrase := range hallucinatedPhrases {
		if strings.Contains(normalized, phrase) {
			return "hallucinated phrase"
		}
	}

	words := strings.Fields(normalized)
	if len(words) == 1 {
		if _, ok := shortAnswers[words[0]]; !ok {
			return "single bare word"
		}
		return ""
	}

	if len(words) >= 4 {
		counts := make(map[string]int, len(words))
		maxCount := 0
		for _, w := range words {
			counts[w]++
			if counts[w] > maxCount {
				maxCount = counts[w]
			}
		}
		if maxCount*2 > len(words) {
			return "excessive repetition"
		}
	}

	if len(words) >= 3 {
		total := 0
		for _, w := range words {
			total += len([]rune(w))
		}
		if float64(total)/float64(len(words)) < 2.0 {
			return "short average word length"
		}
	}

	return ""
}
