package session

import "time"

// deadAirPolicy decides whether prolonged caller silence warrants a spoken
// reprompt. It is a pure function of the snapshot below so the precedence
// order is directly testable.
type deadAirPolicy struct {
	entryGrace       time.Duration
	speechStartGrace time.Duration
	noFramesWindow   time.Duration
}

// deadAirSnapshot is the session state the policy inspects, captured on the
// event loop at check time.
type deadAirSnapshot struct {
	now                time.Time
	recognitionsActive int
	turnActive         bool
	enteredListeningAt time.Time
	speechActive       bool
	speechStartedAt    time.Time
	lastFrameAt        time.Time
	framesSinceListen  bool
	playbackActive     bool
	reprompting        bool
}

// evaluate returns whether to reprompt, or the rule that suppressed it.
// Rules are checked in precedence order; the first match wins.
func (p deadAirPolicy) evaluate(s deadAirSnapshot) (bool, string) {
	switch {
	case s.reprompting:
		return false, "reprompt in progress"
	case s.recognitionsActive > 0:
		return false, "recognition in flight"
	case s.turnActive:
		return false, "reply in progress"
	case s.now.Sub(s.enteredListeningAt) < p.entryGrace:
		return false, "listening entry grace"
	case s.speechActive:
		return false, "speech active"
	case !s.speechStartedAt.IsZero() && s.now.Sub(s.speechStartedAt) < p.speechStartGrace:
		return false, "speech start grace"
	case s.framesSinceListen && s.now.Sub(s.lastFrameAt) < p.noFramesWindow:
		return false, "recent inbound audio"
	case !s.framesSinceListen:
		return false, "media path unproven"
	case s.playbackActive:
		return false, "playback active"
	}
	return true, ""
}
