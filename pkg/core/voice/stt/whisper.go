package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WhisperProvider talks to a Whisper-compatible transcription server: raw
// audio is POSTed to /transcribe with language and prompt hints as query
// parameters, and the result comes back as JSON.
type WhisperProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewWhisper creates a Whisper STT provider for the given server base URL.
func NewWhisper(baseURL string) *WhisperProvider {
	return NewWhisperWithClient(baseURL, &http.Client{Timeout: 30 * time.Second})
}

// NewWhisperWithClient creates a Whisper STT provider with a custom HTTP client.
func NewWhisperWithClient(baseURL string, client *http.Client) *WhisperProvider {
	return &WhisperProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (w *WhisperProvider) Name() string {
	return "whisper"
}

type whisperResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	AvgLogProb float64 `json:"avg_logprob,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Transcribe sends audio to the server and returns the settled transcript.
func (w *WhisperProvider) Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error) {
	reqURL, err := url.Parse(w.baseURL + "/transcribe")
	if err != nil {
		return nil, fmt.Errorf("parse whisper URL: %w", err)
	}
	q := reqURL.Query()
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Prompt != "" {
		q.Set("prompt", opts.Prompt)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), audio)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("whisper error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wr whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("parse whisper response: %w", err)
	}
	if wr.Error != "" {
		return nil, fmt.Errorf("whisper: %s", wr.Error)
	}

	return &Transcript{
		Text:       strings.TrimSpace(wr.Text),
		Language:   wr.Language,
		Duration:   wr.Duration,
		AvgLogProb: wr.AvgLogProb,
	}, nil
}
