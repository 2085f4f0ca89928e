// Package audio tracks the inbound media path for one call: RMS-based speech
// detection with hysteresis, a pre-roll ring so the first syllable is not
// lost, and the timing facts the dead-air policy needs.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Config tunes speech detection over 16-bit mono PCM frames.
type Config struct {
	SampleRate int

	// SpeechThreshold is the normalized RMS level that counts as speech;
	// SilenceThreshold the level that counts as silence. Keeping them apart
	// gives hysteresis so a flickering level does not toggle state.
	SpeechThreshold  float64
	SilenceThreshold float64

	// SpeechFrames consecutive speech-level frames open an utterance;
	// SilenceFrames consecutive silence-level frames close it.
	SpeechFrames  int
	SilenceFrames int

	// PreRollMs of audio preceding speech-start is retained and prepended to
	// the utterance buffer.
	PreRollMs int
}

// FrameDuration is the cadence at which media frames arrive. Both the direct
// socket and carrier media streams deliver 20ms of PCM per frame.
const FrameDuration = 20 * time.Millisecond

// FramesIn converts a wall-clock span to a whole frame count, minimum 1.
func FramesIn(d time.Duration) int {
	n := int(d / FrameDuration)
	if n < 1 {
		n = 1
	}
	return n
}

func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     3,
		SilenceFrames:    25,
		PreRollMs:        300,
	}
}

// Event is the boundary Observe reports for a frame.
type Event int

const (
	EventNone Event = iota
	EventSpeechStarted
	EventSpeechEnded
)

// Coordinator watches the inbound frame stream for one call. It is owned by
// the session's event loop; all methods must be called from one goroutine.
type Coordinator struct {
	cfg Config
	now func() time.Time

	inSpeech      bool
	speechRun     int
	silenceRun    int
	framesSeen    int64
	lastFrameAt   time.Time
	speechStartAt time.Time

	preRoll     [][]byte
	preRollSize int
	preRollMax  int
}

// New creates a coordinator. A nil now uses the wall clock.
func New(cfg Config, now func() time.Time) *Coordinator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 0.015
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.008
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = 3
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = 25
	}
	if cfg.PreRollMs < 0 {
		cfg.PreRollMs = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		cfg:        cfg,
		now:        now,
		preRollMax: cfg.SampleRate * 2 * cfg.PreRollMs / 1000,
	}
}

// Observe classifies one PCM frame and reports a boundary event when the
// speech state flips.
func (c *Coordinator) Observe(frame []byte) Event {
	c.framesSeen++
	c.lastFrameAt = c.now()

	level := rmsEnergy(frame)

	if !c.inSpeech {
		c.bufferPreRoll(frame)
		if level >= c.cfg.SpeechThreshold {
			c.speechRun++
			if c.speechRun >= c.cfg.SpeechFrames {
				c.inSpeech = true
				c.speechRun = 0
				c.silenceRun = 0
				c.speechStartAt = c.now()
				return EventSpeechStarted
			}
		} else {
			c.speechRun = 0
		}
		return EventNone
	}

	if level <= c.cfg.SilenceThreshold {
		c.silenceRun++
		if c.silenceRun >= c.cfg.SilenceFrames {
			c.inSpeech = false
			c.silenceRun = 0
			c.speechRun = 0
			return EventSpeechEnded
		}
	} else {
		c.silenceRun = 0
	}
	return EventNone
}

// PreRoll returns a copy of the buffered audio preceding speech-start.
func (c *Coordinator) PreRoll() []byte {
	out := make([]byte, 0, c.preRollSize)
	for _, f := range c.preRoll {
		out = append(out, f...)
	}
	return out
}

// InSpeech reports whether an utterance is open.
func (c *Coordinator) InSpeech() bool { return c.inSpeech }

// Ready reports whether any inbound audio has been seen at all.
func (c *Coordinator) Ready() bool { return c.framesSeen > 0 }

// FramesSeen returns the number of frames observed since construction.
func (c *Coordinator) FramesSeen() int64 { return c.framesSeen }

// LastFrameAt returns when the most recent frame arrived (zero before any).
func (c *Coordinator) LastFrameAt() time.Time { return c.lastFrameAt }

// SpeechStartedAt returns when the most recent utterance opened (zero before
// any speech).
func (c *Coordinator) SpeechStartedAt() time.Time { return c.speechStartAt }

// Reset clears detection state and the pre-roll ring. Frame accounting is
// kept; the media path stays proven.
func (c *Coordinator) Reset() {
	c.inSpeech = false
	c.speechRun = 0
	c.silenceRun = 0
	c.preRoll = nil
	c.preRollSize = 0
}

func (c *Coordinator) bufferPreRoll(frame []byte) {
	if c.preRollMax <= 0 {
		return
	}
	f := make([]byte, len(frame))
	copy(f, frame)
	c.preRoll = append(c.preRoll, f)
	c.preRollSize += len(f)
	for c.preRollSize > c.preRollMax && len(c.preRoll) > 0 {
		c.preRollSize -= len(c.preRoll[0])
		c.preRoll = c.preRoll[1:]
	}
}

// rmsEnergy returns the normalized RMS level of a 16-bit little-endian PCM
// frame, in [0, 1].
func rmsEnergy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
