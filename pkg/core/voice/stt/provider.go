// Package stt provides speech-to-text provider clients.
package stt

import (
	"context"
	"io"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts one bounded span of audio to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures a recognition request.
type TranscribeOptions struct {
	Language    string // language hint, e.g. "en"
	Prompt      string // initial prompt biasing recognition toward domain vocabulary
	ContentType string // payload MIME type, default "audio/wav"
}

// Transcript is the recognizer's settled result for a span of audio.
type Transcript struct {
	Text       string
	Language   string
	Duration   float64 // seconds of audio recognized, if reported
	AvgLogProb float64 // mean token log-probability, if reported; 0 when absent
}
