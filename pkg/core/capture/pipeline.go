// Package capture converts the inbound frame stream into transcripts. It
// buffers utterance audio between speech boundaries, issues partial
// recognitions while the caller is still talking, and settles each utterance
// with one final recognition. Only final transcripts advance a call.
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicedesk/callcore/pkg/core/audio"
	"github.com/voicedesk/callcore/pkg/core/voice/stt"
)

// Config tunes the capture pipeline.
type Config struct {
	SampleRate        int
	Channels          int
	ChunkDuration     time.Duration // audio accumulated between partial recognitions
	RecognizeTimeout  time.Duration
	Retries           int // extra attempts for the final recognition
	Language          string
	Prompt            string
	MaxUtteranceBytes int
}

// Callbacks deliver pipeline events. SpeechStart and UtteranceEnd fire on
// the caller's goroutine; Transcript and IngestFailure fire from recognition
// goroutines, so receivers must hand them off to their own event loop.
type Callbacks struct {
	SpeechStart   func()
	Transcript    func(text string, final bool)
	UtteranceEnd  func()
	IngestFailure func(err error)
}

// Pipeline owns utterance capture for one call. HandleFrame and Abort must
// only be called from the owning session's event loop.
type Pipeline struct {
	cfg      Config
	provider stt.Provider
	cb       Callbacks
	logger   *slog.Logger
	coord    *audio.Coordinator

	// Owner-loop state.
	capturing    bool
	utterBuf     []byte
	sincePartial int

	// Cross-goroutine state.
	mu             sync.Mutex
	inFlight       int
	utterSeq       int64
	abortedThrough int64
	partialBusy    bool
}

// New creates a pipeline over the given coordinator and recognizer.
func New(cfg Config, coord *audio.Coordinator, provider stt.Provider, cb Callbacks, logger *slog.Logger) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 1200 * time.Millisecond
	}
	if cfg.RecognizeTimeout <= 0 {
		cfg.RecognizeTimeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MaxUtteranceBytes <= 0 {
		// 60 seconds of audio; longer monologues are force-finalized.
		cfg.MaxUtteranceBytes = cfg.SampleRate * cfg.Channels * 2 * 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		provider: provider,
		cb:       cb,
		logger:   logger,
		coord:    coord,
	}
}

// SpeechActive reports whether an utterance is currently being captured. Must
// be called from the owner loop.
func (p *Pipeline) SpeechActive() bool { return p.capturing }

// InFlight returns the number of outstanding recognition requests.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// HandleFrame feeds one inbound PCM frame through speech detection and
// utterance capture.
func (p *Pipeline) HandleFrame(frame []byte) {
	ev := p.coord.Observe(frame)

	switch ev {
	case audio.EventSpeechStarted:
		p.mu.Lock()
		p.utterSeq++
		p.mu.Unlock()
		p.capturing = true
		p.utterBuf = p.coord.PreRoll()
		p.sincePartial = len(p.utterBuf)
		if p.cb.SpeechStart != nil {
			p.cb.SpeechStart()
		}
		return
	case audio.EventSpeechEnded:
		if p.capturing {
			p.finishUtterance()
		}
		return
	}

	if !p.capturing {
		return
	}
	p.utterBuf = append(p.utterBuf, frame...)
	p.sincePartial += len(frame)

	if len(p.utterBuf) >= p.cfg.MaxUtteranceBytes {
		p.finishUtterance()
		return
	}

	chunkBytes := int(time.Duration(p.cfg.SampleRate*p.cfg.Channels*2) * p.cfg.ChunkDuration / time.Second)
	if p.sincePartial >= chunkBytes {
		p.sincePartial = 0
		p.launchPartial()
	}
}

// Abort discards the current utterance and invalidates any recognition still
// in flight for it. Used on barge-in and teardown.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	p.abortedThrough = p.utterSeq
	p.mu.Unlock()
	p.capturing = false
	p.utterBuf = nil
	p.sincePartial = 0
	p.coord.Reset()
}

func (p *Pipeline) finishUtterance() {
	p.capturing = false
	audioCopy := p.utterBuf
	p.utterBuf = nil
	p.sincePartial = 0

	if p.cb.UtteranceEnd != nil {
		p.cb.UtteranceEnd()
	}
	if len(audioCopy) == 0 {
		return
	}

	p.mu.Lock()
	seq := p.utterSeq
	p.inFlight++
	p.mu.Unlock()

	go p.recognizeFinal(seq, audioCopy)
}

func (p *Pipeline) launchPartial() {
	p.mu.Lock()
	if p.partialBusy {
		p.mu.Unlock()
		return
	}
	p.partialBusy = true
	seq := p.utterSeq
	p.inFlight++
	p.mu.Unlock()

	audioCopy := make([]byte, len(p.utterBuf))
	copy(audioCopy, p.utterBuf)
	go p.recognizePartial(seq, audioCopy)
}

func (p *Pipeline) recognizeFinal(seq int64, pcm []byte) {
	defer p.decInFlight()

	var lastErr error
	attempts := 1 + p.cfg.Retries
	for i := 0; i < attempts; i++ {
		text, err := p.recognize(pcm)
		if err == nil {
			if p.stale(seq) {
				return
			}
			if p.cb.Transcript != nil {
				p.cb.Transcript(text, true)
			}
			return
		}
		lastErr = err
		p.logger.Warn("recognition attempt failed", "attempt", i+1, "error", err)
	}
	if p.stale(seq) {
		return
	}
	if p.cb.IngestFailure != nil {
		p.cb.IngestFailure(fmt.Errorf("recognition failed after %d attempts: %w", attempts, lastErr))
	}
}

func (p *Pipeline) recognizePartial(seq int64, pcm []byte) {
	defer func() {
		p.mu.Lock()
		p.partialBusy = false
		p.mu.Unlock()
		p.decInFlight()
	}()

	text, err := p.recognize(pcm)
	if err != nil {
		// Partials are advisory; failures wait for the final.
		p.logger.Debug("partial recognition failed", "error", err)
		return
	}
	if p.stale(seq) || text == "" {
		return
	}
	if p.cb.Transcript != nil {
		p.cb.Transcript(text, false)
	}
}

func (p *Pipeline) recognize(pcm []byte) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RecognizeTimeout)
	defer cancel()

	wav := wrapWAV(pcm, p.cfg.SampleRate, p.cfg.Channels)
	tr, err := p.provider.Transcribe(ctx, bytes.NewReader(wav), stt.TranscribeOptions{
		Language:    p.cfg.Language,
		Prompt:      p.cfg.Prompt,
		ContentType: "audio/wav",
	})
	if err != nil {
		return "", err
	}
	return tr.Text, nil
}

func (p *Pipeline) stale(seq int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return seq <= p.abortedThrough
}

func (p *Pipeline) decInFlight() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

// wrapWAV frames raw PCM16 in a RIFF/WAVE container for HTTP recognizers.
func wrapWAV(pcm []byte, sampleRate, channels int) []byte {
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
