package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/voicedesk/callcore/pkg/core/audio"
	"github.com/voicedesk/callcore/pkg/core/voice/stt"
)

type fakeSTT struct {
	mu      sync.Mutex
	calls   int
	results []func() (*stt.Transcript, error)
}

func (f *fakeSTT) Name() string { return "fake" }

func (f *fakeSTT) Transcribe(ctx context.Context, audio io.Reader, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if idx < len(f.results) {
		return f.results[idx]()
	}
	return &stt.Transcript{Text: "default"}, nil
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type transcriptEvent struct {
	text  string
	final bool
}

type recorder struct {
	speechStarts chan struct{}
	transcripts  chan transcriptEvent
	utterEnds    chan struct{}
	failures     chan error
}

func newRecorder() *recorder {
	return &recorder{
		speechStarts: make(chan struct{}, 8),
		transcripts:  make(chan transcriptEvent, 8),
		utterEnds:    make(chan struct{}, 8),
		failures:     make(chan error, 8),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		SpeechStart:   func() { r.speechStarts <- struct{}{} },
		Transcript:    func(text string, final bool) { r.transcripts <- transcriptEvent{text, final} },
		UtteranceEnd:  func() { r.utterEnds <- struct{}{} },
		IngestFailure: func(err error) { r.failures <- err },
	}
}

func pcmFrame(amplitude int16, samples int) []byte {
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		frame[i*2] = byte(amplitude)
		frame[i*2+1] = byte(amplitude >> 8)
	}
	return frame
}

var (
	loud  = pcmFrame(8000, 320)
	quiet = pcmFrame(40, 320)
)

func newTestPipeline(provider stt.Provider, rec *recorder) *Pipeline {
	acfg := audio.DefaultConfig()
	acfg.SilenceFrames = 4
	coord := audio.New(acfg, nil)
	return New(Config{
		SampleRate:       16000,
		Channels:         1,
		ChunkDuration:    10 * time.Second, // effectively disable partials unless a test wants them
		RecognizeTimeout: time.Second,
		Retries:          1,
	}, coord, provider, rec.callbacks(), nil)
}

func speak(p *Pipeline, loudFrames, quietFrames int) {
	for i := 0; i < loudFrames; i++ {
		p.HandleFrame(loud)
	}
	for i := 0; i < quietFrames; i++ {
		p.HandleFrame(quiet)
	}
}

func waitTranscript(t *testing.T, rec *recorder) transcriptEvent {
	t.Helper()
	select {
	case ev := <-rec.transcripts:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return transcriptEvent{}
	}
}

func TestPipeline_UtteranceProducesFinalTranscript(t *testing.T) {
	provider := &fakeSTT{results: []func() (*stt.Transcript, error){
		func() (*stt.Transcript, error) { return &stt.Transcript{Text: "book me in"}, nil },
	}}
	rec := newRecorder()
	p := newTestPipeline(provider, rec)

	speak(p, 10, 5)

	select {
	case <-rec.speechStarts:
	default:
		t.Fatal("SpeechStart did not fire")
	}
	select {
	case <-rec.utterEnds:
	default:
		t.Fatal("UtteranceEnd did not fire")
	}

	ev := waitTranscript(t, rec)
	if !ev.final || ev.text != "book me in" {
		t.Fatalf("got %+v, want final 'book me in'", ev)
	}
}

func TestPipeline_SpeechActiveTracksUtterance(t *testing.T) {
	provider := &fakeSTT{}
	rec := newRecorder()
	p := newTestPipeline(provider, rec)

	if p.SpeechActive() {
		t.Fatal("SpeechActive before any audio")
	}
	speak(p, 10, 0)
	if !p.SpeechActive() {
		t.Fatal("SpeechActive false mid-utterance")
	}
	speak(p, 0, 5)
	if p.SpeechActive() {
		t.Fatal("SpeechActive true after silence closed the utterance")
	}

	speak(p, 10, 0)
	p.Abort()
	if p.SpeechActive() {
		t.Fatal("SpeechActive survived Abort")
	}
}

func TestPipeline_FinalRetriesThenSucceeds(t *testing.T) {
	provider := &fakeSTT{results: []func() (*stt.Transcript, error){
		func() (*stt.Transcript, error) { return nil, errors.New("transient") },
		func() (*stt.Transcript, error) { return &stt.Transcript{Text: "second try"}, nil },
	}}
	rec := newRecorder()
	p := newTestPipeline(provider, rec)

	speak(p, 10, 5)

	ev := waitTranscript(t, rec)
	if ev.text != "second try" {
		t.Fatalf("text=%q", ev.text)
	}
	if provider.callCount() != 2 {
		t.Fatalf("calls=%d, want 2", provider.callCount())
	}
}

func TestPipeline_IngestFailureAfterRetriesExhausted(t *testing.T) {
	fail := func() (*stt.Transcript, error) { return nil, errors.New("stt down") }
	provider := &fakeSTT{results: []func() (*stt.Transcript, error){fail, fail}}
	rec := newRecorder()
	p := newTestPipeline(provider, rec)

	speak(p, 10, 5)

	select {
	case err := <-rec.failures:
		if err == nil {
			t.Fatal("nil failure error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingest failure")
	}
	select {
	case ev := <-rec.transcripts:
		t.Fatalf("unexpected transcript %+v", ev)
	default:
	}
}

func TestPipeline_AbortDropsStaleFinal(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeSTT{results: []func() (*stt.Transcript, error){
		func() (*stt.Transcript, error) {
			<-release
			return &stt.Transcript{Text: "stale words"}, nil
		},
	}}
	rec := newRecorder()
	p := newTestPipeline(provider, rec)

	speak(p, 10, 5)
	if p.InFlight() != 1 {
		t.Fatalf("InFlight=%d, want 1", p.InFlight())
	}

	p.Abort()
	close(release)

	// The stale final must never surface.
	select {
	case ev := <-rec.transcripts:
		t.Fatalf("stale transcript delivered: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPipeline_PartialsDoNotReplaceFinal(t *testing.T) {
	provider := &fakeSTT{}
	rec := newRecorder()

	acfg := audio.DefaultConfig()
	acfg.SilenceFrames = 4
	coord := audio.New(acfg, nil)
	p := New(Config{
		SampleRate:       16000,
		Channels:         1,
		ChunkDuration:    100 * time.Millisecond, // small: partials kick in quickly
		RecognizeTimeout: time.Second,
	}, coord, provider, rec.callbacks(), nil)

	// Long utterance: enough loud frames to cross the partial chunk threshold.
	speak(p, 20, 0)
	first := waitTranscript(t, rec)
	if first.final {
		t.Fatalf("first event should be a partial, got %+v", first)
	}
	speak(p, 0, 5)
	// Partials may keep arriving; the utterance must still settle with
	// exactly one final.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-rec.transcripts:
			if ev.final {
				select {
				case extra := <-rec.transcripts:
					if extra.final {
						t.Fatalf("second final delivered: %+v", extra)
					}
				case <-time.After(200 * time.Millisecond):
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for final transcript")
		}
	}
}

func TestPipeline_EmptyUtteranceBufferSkipsRecognition(t *testing.T) {
	provider := &fakeSTT{}
	rec := newRecorder()
	p := newTestPipeline(provider, rec)

	// Silence only: no speech boundary, no recognition.
	for i := 0; i < 50; i++ {
		p.HandleFrame(quiet)
	}
	if got := provider.callCount(); got != 0 {
		t.Fatalf("calls=%d, want 0", got)
	}
	if p.InFlight() != 0 {
		t.Fatalf("InFlight=%d, want 0", p.InFlight())
	}
}

func TestWrapWAV(t *testing.T) {
	pcm := pcmFrame(1000, 160)
	wav := wrapWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len=%d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("bad RIFF header")
	}
	if fmt.Sprintf("%s", wav[36:40]) != "data" {
		t.Fatal("missing data chunk")
	}
}
