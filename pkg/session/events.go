package session

import (
	"github.com/voicedesk/callcore/pkg/config"
	"github.com/voicedesk/callcore/pkg/core/brain"
	"github.com/voicedesk/callcore/pkg/metrics"
)

// State is the call session's lifecycle phase.
type State int

const (
	StateInit State = iota
	StateAnswered
	StateListening
	StateSpeaking
	StateThinking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAnswered:
		return "answered"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateThinking:
		return "thinking"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// EndSource tags where a playback-completion signal came from. Completion is
// applied exactly once per segment no matter how many sources fire.
type EndSource int

const (
	// EndSourceTransport: the transport's Play call resolved (direct), or
	// the carrier rejected the segment outright.
	EndSourceTransport EndSource = iota
	// EndSourceWebhook: the carrier's playback-ended event arrived.
	EndSourceWebhook
	// EndSourceWatchdog: the local timer fired before the webhook.
	EndSourceWatchdog
	// EndSourceFailsafe: a signal without segment authority was accepted
	// because playback was still marked active.
	EndSourceFailsafe
)

// String returns the metric label for the source.
func (s EndSource) String() string {
	switch s {
	case EndSourceWebhook:
		return metrics.SourceWebhook
	case EndSourceWatchdog:
		return metrics.SourceWatchdog
	case EndSourceFailsafe:
		return metrics.SourceFailsafe
	}
	return metrics.SourceTransport
}

// Mailbox events. Everything that touches session state arrives as one of
// these and is handled on the run loop, never concurrently.

type evAnswered struct{}

type evFrame struct{ data []byte }

// evTranscript comes from a recognition goroutine.
type evTranscript struct {
	text  string
	final bool
}

type evIngestFailure struct{ err error }

// evSegmentReady is one synthesized chunk of speech for turn token.
type evSegmentReady struct {
	token int64
	seg   *segment
}

// evSystemSpeechFailed reports that a fixed line (greeting, reprompt,
// fallback) could not be synthesized.
type evSystemSpeechFailed struct {
	token int64
}

// evTurnDone closes a reply turn; directives are settled by now.
type evTurnDone struct {
	token      int64
	text       string
	directives brain.Directives
	err        error
}

// evPlaybackEnded is a completion signal for one segment from one source.
type evPlaybackEnded struct {
	segmentID string
	source    EndSource
	err       error
}

type evSetVoiceMode struct{ mode config.VoiceMode }

type evEnd struct{ reason string }
