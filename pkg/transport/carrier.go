package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CarrierTransport drives a call through a call-control provider's REST API.
// Playback completion is NOT reported here: the provider posts a
// playback-ended webhook to the engine, and the session's watchdog covers
// lost or late webhooks.
type CarrierTransport struct {
	callID     string
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// CarrierConfig configures the call-control client.
type CarrierConfig struct {
	CallID    string
	BaseURL   string
	AuthToken string
	Client    *http.Client
}

// NewCarrier creates a carrier transport for one provider-managed call.
func NewCarrier(cfg CarrierConfig) (*CarrierTransport, error) {
	if strings.TrimSpace(cfg.CallID) == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("carrier base URL is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CarrierTransport{
		callID:     cfg.CallID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authToken:  cfg.AuthToken,
		httpClient: client,
	}, nil
}

func (c *CarrierTransport) Kind() Kind { return KindCarrier }

// Start is a no-op for carrier calls: the provider streams caller audio to
// the engine's media webhook independently of this client.
func (c *CarrierTransport) Start(ctx context.Context, onFrame FrameHandler) error {
	return nil
}

type carrierPlayRequest struct {
	SegmentID   string `json:"segment_id"`
	AudioB64    string `json:"audio_b64"`
	ContentType string `json:"content_type,omitempty"`
}

// Play submits the segment to the provider. It returns once the provider
// accepted the audio; the playback-ended webhook (or the session watchdog)
// signals completion later.
func (c *CarrierTransport) Play(ctx context.Context, req PlayRequest) error {
	body := carrierPlayRequest{
		SegmentID:   req.SegmentID,
		AudioB64:    base64.StdEncoding.EncodeToString(req.Audio),
		ContentType: req.ContentType,
	}
	return c.post(ctx, fmt.Sprintf("/calls/%s/play", c.callID), body)
}

// StopPlayback asks the provider to abort current playback. The caller does
// not wait for the provider-side stop to take effect.
func (c *CarrierTransport) StopPlayback(ctx context.Context) error {
	return c.post(ctx, fmt.Sprintf("/calls/%s/stop", c.callID), nil)
}

// Transfer routes the call to another destination.
func (c *CarrierTransport) Transfer(ctx context.Context, target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("transfer target is required")
	}
	return c.post(ctx, fmt.Sprintf("/calls/%s/transfer", c.callID), map[string]string{"target": target})
}

// Hangup ends the provider-side call.
func (c *CarrierTransport) Hangup(ctx context.Context) error {
	return c.post(ctx, fmt.Sprintf("/calls/%s/hangup", c.callID), nil)
}

// Close is a no-op; the provider owns the media resources.
func (c *CarrierTransport) Close() error {
	return nil
}

func (c *CarrierTransport) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode carrier request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create carrier request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("carrier request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("carrier error %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(string(b)))
	}
	return nil
}
