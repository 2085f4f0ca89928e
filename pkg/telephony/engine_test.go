package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicedesk/callcore/pkg/config"
	"github.com/voicedesk/callcore/pkg/metrics"
	"github.com/voicedesk/callcore/pkg/sessions"
	"github.com/voicedesk/callcore/pkg/transport"
)

// stubTransport satisfies transport.Transport without any carrier behind it.
type stubTransport struct{}

func (stubTransport) Kind() transport.Kind { return transport.KindCarrier }
func (stubTransport) Start(ctx context.Context, onFrame transport.FrameHandler) error {
	return nil
}
func (stubTransport) Play(ctx context.Context, req transport.PlayRequest) error { return nil }
func (stubTransport) StopPlayback(ctx context.Context) error                    { return nil }
func (stubTransport) Transfer(ctx context.Context, target string) error         { return nil }
func (stubTransport) Hangup(ctx context.Context) error                          { return nil }
func (stubTransport) Close() error                                              { return nil }

func newTestEngine(t *testing.T) (*Engine, *httptest.Server) {
	t.Helper()
	tenants, err := config.LoadRegistry("", config.TenantConfig{
		ID:                "default",
		STTEndpoint:       "http://stt.invalid",
		TTSPresetEndpoint: "http://tts.invalid",
		BrainEndpoint:     "http://brain.invalid",
		DefaultVoice:      config.VoiceMode{Kind: config.VoicePreset, Voice: "af_nova"},
	})
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	e := &Engine{
		Config:   config.Config{},
		Tenants:  tenants,
		Registry: sessions.NewRegistry(),
		Metrics:  metrics.New("test"),
		NewTransportForCall: func(callID string) (transport.Transport, error) {
			return stubTransport{}, nil
		},
	}
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(func() {
		e.Registry.EndAll("test_cleanup")
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Registry.Wait(drainCtx)
		srv.Close()
	})
	return e, srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestCreateCall_RegistersSession(t *testing.T) {
	e, srv := newTestEngine(t)

	resp, body := postJSON(t, srv.URL+"/v1/calls", map[string]string{
		"call_id": "call-42", "from": "+15550001111", "to": "+15550002222",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var out createCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("bad body %s: %v", body, err)
	}
	if out.CallID != "call-42" {
		t.Fatalf("call_id %q", out.CallID)
	}
	if e.Registry.Get("call-42") == nil {
		t.Fatal("session not registered")
	}
}

func TestCreateCall_BadBody(t *testing.T) {
	_, srv := newTestEngine(t)
	resp, err := http.Post(srv.URL+"/v1/calls", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestHangup_EndsAndUnregisters(t *testing.T) {
	e, srv := newTestEngine(t)

	postJSON(t, srv.URL+"/v1/calls", map[string]string{"call_id": "call-7"})
	if e.Registry.Get("call-7") == nil {
		t.Fatal("session missing after create")
	}

	resp, _ := postJSON(t, srv.URL+"/v1/telephony/hangup", map[string]string{
		"call_id": "call-7", "reason": "caller_hangup",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Registry.Get("call-7") != nil {
		if time.Now().After(deadline) {
			t.Fatal("session not unregistered after hangup")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlaybackEnded_UnknownCallIsIgnored(t *testing.T) {
	_, srv := newTestEngine(t)
	resp, body := postJSON(t, srv.URL+"/v1/telephony/playback-ended", map[string]string{
		"call_id": "ghost", "segment_id": "seg-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "ignored") {
		t.Fatalf("body %s", body)
	}
}

func TestMedia_RoutesFramesToSession(t *testing.T) {
	_, srv := newTestEngine(t)
	postJSON(t, srv.URL+"/v1/calls", map[string]string{"call_id": "call-m"})

	frame := base64.StdEncoding.EncodeToString(make([]byte, 640))
	resp, _ := postJSON(t, srv.URL+"/v1/telephony/media", map[string]string{
		"call_id": "call-m", "audio_b64": frame,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/v1/telephony/media", map[string]string{
		"call_id": "ghost", "audio_b64": frame,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown call status=%d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/v1/telephony/media", map[string]string{
		"call_id": "call-m", "audio_b64": "!!not-base64!!",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad encoding status=%d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestEngine(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("healthz status=%d body=%q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "test_calls_active") {
		t.Fatalf("metrics exposition missing gauges:\n%s", body)
	}
}
