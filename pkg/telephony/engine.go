// Package telephony is the engine's HTTP surface: call creation, the carrier
// webhook endpoints, and the direct-transport media websocket.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicedesk/callcore/pkg/config"
	"github.com/voicedesk/callcore/pkg/core/brain"
	"github.com/voicedesk/callcore/pkg/core/voice/stt"
	"github.com/voicedesk/callcore/pkg/core/voice/tts"
	"github.com/voicedesk/callcore/pkg/metrics"
	"github.com/voicedesk/callcore/pkg/session"
	"github.com/voicedesk/callcore/pkg/sessions"
	"github.com/voicedesk/callcore/pkg/transport"
)

// Engine wires tenants, providers, and live sessions behind the HTTP API.
type Engine struct {
	Config   config.Config
	Tenants  *config.Registry
	Registry *sessions.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Analytics receives lifecycle events; nil disables reporting.
	Analytics session.AnalyticsReporter

	// DefaultBrain answers tenants without their own reply endpoint.
	DefaultBrain brain.Provider

	// HTTPClient is shared by all provider clients.
	HTTPClient *http.Client

	// Hooks for tests.
	NewTransportForCall func(callID string) (transport.Transport, error)
}

// Handler returns the engine's route table.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/calls", e.handleCreateCall)
	mux.HandleFunc("GET /v1/calls/ws", e.handleCallSocket)
	mux.HandleFunc("POST /v1/telephony/playback-ended", e.handlePlaybackEnded)
	mux.HandleFunc("POST /v1/telephony/media", e.handleMedia)
	mux.HandleFunc("POST /v1/telephony/hangup", e.handleHangup)
	mux.HandleFunc("GET /healthz", e.handleHealth)
	mux.Handle("GET /metrics", e.Metrics.Handler())
	return mux
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createCallRequest struct {
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
	Tenant string `json:"tenant"`
	State  string `json:"state"`
}

// handleCreateCall answers an inbound carrier call: the call-control provider
// notifies us here once the caller is connected.
func (e *Engine) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		callID = uuid.NewString()
	}

	tr, err := e.transportForCall(callID)
	if err != nil {
		e.logger().Error("carrier transport unavailable", "call_id", callID, "error", err)
		writeError(w, http.StatusBadGateway, "carrier transport unavailable")
		return
	}

	tenant := e.Tenants.Lookup(req.TenantID)
	sess, err := e.newSession(callID, tenant, req.From, req.To, tr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unregister := e.Registry.Register(callID, sess)
	// The call outlives this request; shutdown drains via the registry.
	if err := sess.Start(context.Background()); err != nil {
		unregister()
		e.logger().Error("session start failed", "call_id", callID, "error", err)
		writeError(w, http.StatusBadGateway, "media path failed to start")
		return
	}
	go func() {
		<-sess.Done()
		unregister()
	}()
	sess.Answer()

	writeJSON(w, http.StatusCreated, createCallResponse{
		CallID: callID,
		Tenant: tenant.ID,
		State:  sess.State().String(),
	})
}

// handleCallSocket serves browser/app calls: the websocket is the media path
// itself (binary frames in, paced audio out).
func (e *Engine) handleCallSocket(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
	if callID == "" {
		callID = uuid.NewString()
	}
	tenant := e.Tenants.Lookup(r.URL.Query().Get("tenant_id"))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	tr := transport.NewDirect(conn)
	sess, err := e.newSession(callID, tenant, r.URL.Query().Get("from"), "", tr)
	if err != nil {
		e.logger().Error("session build failed", "call_id", callID, "error", err)
		_ = conn.Close()
		return
	}
	tr.OnDisconnect = func() { sess.End("caller_hangup") }
	unregister := e.Registry.Register(callID, sess)
	defer unregister()

	if err := sess.Start(context.Background()); err != nil {
		e.logger().Error("session start failed", "call_id", callID, "error", err)
		_ = conn.Close()
		return
	}
	sess.Answer()

	// The handler owns the socket's lifetime: hold until the call ends.
	<-sess.Done()
}

type playbackEndedRequest struct {
	CallID    string `json:"call_id"`
	SegmentID string `json:"segment_id"`
}

func (e *Engine) handlePlaybackEnded(w http.ResponseWriter, r *http.Request) {
	var req playbackEndedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess := e.Registry.Get(req.CallID)
	if sess == nil {
		// The call may have torn down already; the signal is simply late.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	sess.HandlePlaybackEnded(req.SegmentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type mediaRequest struct {
	CallID   string `json:"call_id"`
	AudioB64 string `json:"audio_b64"`
}

// handleMedia ingests caller audio the carrier streams to us out-of-band.
func (e *Engine) handleMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess := e.Registry.Get(req.CallID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown call")
		return
	}
	frame, err := base64.StdEncoding.DecodeString(req.AudioB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid audio encoding")
		return
	}
	sess.HandleFrame(frame)
	w.WriteHeader(http.StatusAccepted)
}

type hangupRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

func (e *Engine) handleHangup(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess := e.Registry.Get(req.CallID)
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "caller_hangup"
	}
	sess.End(reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (e *Engine) transportForCall(callID string) (transport.Transport, error) {
	if e.NewTransportForCall != nil {
		return e.NewTransportForCall(callID)
	}
	return transport.NewCarrier(transport.CarrierConfig{
		CallID:    callID,
		BaseURL:   e.Config.CarrierBaseURL,
		AuthToken: e.Config.CarrierAuthToken,
		Client:    e.httpClient(),
	})
}

func (e *Engine) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// newSession assembles per-tenant providers around one call.
func (e *Engine) newSession(callID string, tenant config.TenantConfig, from, to string, tr transport.Transport) (*session.Session, error) {
	if tenant.STTEndpoint == "" {
		return nil, fmt.Errorf("tenant %q has no recognizer endpoint", tenant.ID)
	}
	var preset, cloned tts.Provider
	if tenant.TTSPresetEndpoint != "" {
		preset = tts.NewPresetWithClient(tenant.TTSPresetEndpoint, e.httpClient())
	}
	if tenant.TTSClonedEndpoint != "" {
		cloned = tts.NewClonedWithClient(tenant.TTSClonedEndpoint, e.httpClient())
	}
	var replier brain.Provider
	if tenant.BrainEndpoint != "" {
		replier = brain.NewHTTPWithClient(tenant.BrainEndpoint, e.httpClient())
	} else {
		replier = e.DefaultBrain
	}
	if replier == nil {
		return nil, fmt.Errorf("tenant %q has no reply provider", tenant.ID)
	}

	return session.New(session.FromEngineConfig(e.Config), session.Dependencies{
		CallID:     callID,
		Tenant:     tenant,
		From:       from,
		To:         to,
		Transport:  tr,
		Recognizer: stt.NewWhisperWithClient(tenant.STTEndpoint, e.httpClient()),
		PresetTTS:  preset,
		ClonedTTS:  cloned,
		Brain:      replier,
		Analytics:  e.Analytics,
		Metrics:    e.Metrics,
		Logger:     e.logger(),
	})
}
