package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ClonedProvider talks to a cloned-voice synthesis server (XTTS-style) that
// conditions output on a speaker reference recording.
type ClonedProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewCloned creates a cloned-voice TTS provider for the given server base URL.
func NewCloned(baseURL string) *ClonedProvider {
	return NewClonedWithClient(baseURL, &http.Client{Timeout: 60 * time.Second})
}

// NewClonedWithClient creates a cloned-voice TTS provider with a custom HTTP client.
func NewClonedWithClient(baseURL string, client *http.Client) *ClonedProvider {
	return &ClonedProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (c *ClonedProvider) Name() string {
	return "cloned"
}

type clonedRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`
	SpeakerWav string `json:"speaker_wav,omitempty"`
	VoiceID    string `json:"voice_id,omitempty"`
}

// Synthesize converts text to audio in the cloned voice. opts.ReferenceURL
// names the speaker reference; with it empty the server falls back to its
// default voice.
func (c *ClonedProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	payload, err := json.Marshal(clonedRequest{
		Text:       text,
		Language:   opts.Language,
		SpeakerWav: opts.ReferenceURL,
		VoiceID:    opts.Voice,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloned tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cloned tts error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	return &Synthesis{
		Audio:       audio,
		ContentType: contentType,
		Duration:    WAVDuration(audio),
	}, nil
}
