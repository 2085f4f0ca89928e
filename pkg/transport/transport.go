// Package transport carries audio in and out of a call. Two disciplines
// exist: a direct transport whose Play call resolving is the authoritative
// playback-completion signal, and a carrier transport whose completion
// arrives later as an out-of-band provider event.
package transport

import (
	"context"
	"time"
)

// Kind distinguishes the completion discipline of a transport.
type Kind int

const (
	// KindDirect transports (browser/WebRTC-style media sockets) report
	// completion by Play returning.
	KindDirect Kind = iota
	// KindCarrier transports (PSTN via a call-control provider) report
	// completion via webhook; the session arms a watchdog as fallback.
	KindCarrier
)

func (k Kind) String() string {
	if k == KindCarrier {
		return "carrier"
	}
	return "direct"
}

// PlayRequest is one synthesized segment queued for playback.
type PlayRequest struct {
	SegmentID   string
	Audio       []byte
	ContentType string
	Duration    time.Duration // 0 when unknown
}

// FrameHandler receives inbound PCM frames from the media path.
type FrameHandler func(frame []byte)

// Transport moves audio for exactly one call.
type Transport interface {
	Kind() Kind

	// Start opens the media path and begins delivering inbound frames.
	Start(ctx context.Context, onFrame FrameHandler) error

	// Play delivers one segment. Direct transports block until playback has
	// finished; carrier transports return once the provider accepted it.
	Play(ctx context.Context, req PlayRequest) error

	// StopPlayback aborts any in-progress playback. Callers proceed without
	// waiting for the carrier to acknowledge.
	StopPlayback(ctx context.Context) error

	// Transfer hands the call to another destination. Carrier only; direct
	// transports return ErrUnsupported.
	Transfer(ctx context.Context, target string) error

	// Hangup ends the call at the media level.
	Hangup(ctx context.Context) error

	// Close releases the media path. Idempotent.
	Close() error
}
