package stt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWhisperTranscribe(t *testing.T) {
	var gotBody string
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			t.Errorf("path=%q, want /transcribe", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method=%q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotQuery = map[string]string{
			"language": r.URL.Query().Get("language"),
			"prompt":   r.URL.Query().Get("prompt"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"text":        "  I need an appointment  ",
			"avg_logprob": -0.21,
			"duration":    1.8,
		})
	}))
	defer srv.Close()

	p := NewWhisper(srv.URL)
	tr, err := p.Transcribe(context.Background(), strings.NewReader("RIFFaudio"), TranscribeOptions{
		Language: "en",
		Prompt:   "dental office receptionist",
	})
	if err != nil {
		t.Fatalf("Transcribe error: %v", err)
	}
	if tr.Text != "I need an appointment" {
		t.Fatalf("Text=%q", tr.Text)
	}
	if tr.AvgLogProb != -0.21 {
		t.Fatalf("AvgLogProb=%v", tr.AvgLogProb)
	}
	if gotBody != "RIFFaudio" {
		t.Fatalf("server saw body %q", gotBody)
	}
	if gotQuery["language"] != "en" || gotQuery["prompt"] != "dental office receptionist" {
		t.Fatalf("server saw query %v", gotQuery)
	}
}

func TestWhisperTranscribe_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Audio payload too large"}`, http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	_, err := NewWhisper(srv.URL).Transcribe(context.Background(), strings.NewReader("x"), TranscribeOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "413") {
		t.Fatalf("error %q should carry the status code", err)
	}
}

func TestWhisperTranscribe_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "Transcription failed"})
	}))
	defer srv.Close()

	_, err := NewWhisper(srv.URL).Transcribe(context.Background(), strings.NewReader("x"), TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "Transcription failed") {
		t.Fatalf("err=%v, want transcription failure surfaced", err)
	}
}
