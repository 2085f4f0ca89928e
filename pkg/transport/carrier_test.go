package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCarrierPlay(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq carrierPlayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewCarrier(CarrierConfig{CallID: "call-9", BaseURL: srv.URL, AuthToken: "tok"})
	if err != nil {
		t.Fatalf("NewCarrier error: %v", err)
	}
	err = c.Play(context.Background(), PlayRequest{
		SegmentID:   "seg-1",
		Audio:       []byte("pcm16-audio"),
		ContentType: "audio/wav",
	})
	if err != nil {
		t.Fatalf("Play error: %v", err)
	}
	if gotPath != "/calls/call-9/play" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth=%q", gotAuth)
	}
	if gotReq.SegmentID != "seg-1" {
		t.Fatalf("segment=%q", gotReq.SegmentID)
	}
	decoded, _ := base64.StdEncoding.DecodeString(gotReq.AudioB64)
	if string(decoded) != "pcm16-audio" {
		t.Fatalf("audio roundtrip got %q", decoded)
	}
}

func TestCarrierErrorsSurfaceStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "call not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := NewCarrier(CarrierConfig{CallID: "nope", BaseURL: srv.URL})
	err := c.Hangup(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "call not found") {
		t.Fatalf("err=%v", err)
	}
}

func TestCarrierTransferRequiresTarget(t *testing.T) {
	c, _ := NewCarrier(CarrierConfig{CallID: "c", BaseURL: "http://unused"})
	if err := c.Transfer(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestCarrierEndpoints(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}))
	defer srv.Close()

	c, _ := NewCarrier(CarrierConfig{CallID: "c7", BaseURL: srv.URL})
	ctx := context.Background()
	if err := c.StopPlayback(ctx); err != nil {
		t.Fatalf("StopPlayback: %v", err)
	}
	if err := c.Transfer(ctx, "+15550111"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := c.Hangup(ctx); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	want := []string{"/calls/c7/stop", "/calls/c7/transfer", "/calls/c7/hangup"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("paths=%v, want %v", paths, want)
		}
	}
}

func TestNewCarrierValidation(t *testing.T) {
	if _, err := NewCarrier(CarrierConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error for missing call id")
	}
	if _, err := NewCarrier(CarrierConfig{CallID: "c"}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}
