// Package analytics posts call events to an external collector. Delivery is
// fire-and-forget: a dead collector must never slow down or fail a call, so
// every error ends here as a log line.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Reporter ships call lifecycle events to a collector endpoint. A nil base
// URL disables reporting entirely.
type Reporter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Reporter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

type callStartedEvent struct {
	Event    string `json:"event"`
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	At       string `json:"at"`
}

type callerMessageEvent struct {
	Event  string `json:"event"`
	CallID string `json:"call_id"`
	Text   string `json:"text"`
	At     string `json:"at"`
}

type callEndedEvent struct {
	Event      string `json:"event"`
	CallID     string `json:"call_id"`
	Reason     string `json:"reason"`
	DurationMS int64  `json:"duration_ms"`
	At         string `json:"at"`
}

// CallStarted reports that a call was answered.
func (r *Reporter) CallStarted(callID, tenantID, from, to string) {
	r.send(callStartedEvent{
		Event: "call_started", CallID: callID, TenantID: tenantID,
		From: from, To: to, At: time.Now().UTC().Format(time.RFC3339),
	})
}

// CallerMessage reports one accepted caller turn.
func (r *Reporter) CallerMessage(callID, text string) {
	r.send(callerMessageEvent{
		Event: "caller_message", CallID: callID, Text: text,
		At: time.Now().UTC().Format(time.RFC3339),
	})
}

// CallEnded reports teardown with its reason and duration.
func (r *Reporter) CallEnded(callID, reason string, duration time.Duration) {
	r.send(callEndedEvent{
		Event: "call_ended", CallID: callID, Reason: reason,
		DurationMS: duration.Milliseconds(),
		At:         time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Reporter) send(event any) {
	if r == nil || r.baseURL == "" {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Debug("analytics marshal", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/events", bytes.NewReader(body))
		if err != nil {
			r.logger.Debug("analytics request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Debug("analytics post", "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			r.logger.Debug("analytics rejected", "status", fmt.Sprintf("%d", resp.StatusCode))
		}
	}()
}
