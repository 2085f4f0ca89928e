// Package tts provides text-to-speech provider clients. Two kinds exist:
// preset-voice servers that select from built-in voices, and cloned-voice
// servers that condition synthesis on a caller-supplied reference recording.
package tts

import "context"

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice        string  // voice identifier for preset providers
	Speed        float64 // speed multiplier, provider default when 0
	Language     string  // language code
	ReferenceURL string  // reference audio for cloned-voice providers
}

// Synthesis is the result of one synthesis call.
type Synthesis struct {
	Audio       []byte
	ContentType string
	Duration    float64 // seconds, if derivable; 0 when unknown
}
