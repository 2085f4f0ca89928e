package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PresetProvider talks to a preset-voice synthesis server (Kokoro-style):
// JSON in, audio bytes out.
type PresetProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewPreset creates a preset-voice TTS provider for the given server base URL.
func NewPreset(baseURL string) *PresetProvider {
	return NewPresetWithClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewPresetWithClient creates a preset-voice TTS provider with a custom HTTP client.
func NewPresetWithClient(baseURL string, client *http.Client) *PresetProvider {
	return &PresetProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (p *PresetProvider) Name() string {
	return "preset"
}

type presetRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
}

// Synthesize converts text to audio using the configured preset voice.
func (p *PresetProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}
	payload, err := json.Marshal(presetRequest{
		Text:    text,
		VoiceID: opts.Voice,
		Rate:    opts.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preset tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("preset tts error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
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

// WAVDuration derives the play length in seconds from a RIFF/WAVE header.
// Returns 0 for anything it cannot parse.
func WAVDuration(audio []byte) float64 {
	if len(audio) < 44 || string(audio[0:4]) != "RIFF" || string(audio[8:12]) != "WAVE" {
		return 0
	}
	byteRate := binary.LittleEndian.Uint32(audio[28:32])
	if byteRate == 0 {
		return 0
	}
	// Walk chunks to find "data"; the fmt chunk is not always 16 bytes.
	off := 12
	for off+8 <= len(audio) {
		id := string(audio[off : off+4])
		size := int(binary.LittleEndian.Uint32(audio[off+4 : off+8]))
		if id == "data" {
			if size <= 0 || off+8+size > len(audio) {
				size = len(audio) - off - 8
			}
			return float64(size) / float64(byteRate)
		}
		off += 8 + size + size%2
	}
	return 0
}
