package audio

import (
	"testing"
	"time"
)

func frame(amplitude int16, samples int) []byte {
	f := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		f[i*2] = byte(amplitude)
		f[i*2+1] = byte(amplitude >> 8)
	}
	return f
}

var (
	loud  = frame(8000, 320)
	quiet = frame(40, 320)
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SpeechFrames = 3
	cfg.SilenceFrames = 4
	return cfg
}

func TestObserve_SpeechBoundaries(t *testing.T) {
	c := New(testConfig(), nil)

	var started, ended int
	feed := func(f []byte, n int) {
		for i := 0; i < n; i++ {
			switch c.Observe(f) {
			case EventSpeechStarted:
				started++
			case EventSpeechEnded:
				ended++
			}
		}
	}

	feed(quiet, 5)
	if started != 0 {
		t.Fatal("speech started on silence")
	}
	feed(loud, 5)
	if started != 1 {
		t.Fatalf("started=%d, want 1", started)
	}
	if !c.InSpeech() {
		t.Fatal("InSpeech false during speech")
	}
	feed(quiet, 5)
	if ended != 1 {
		t.Fatalf("ended=%d, want 1", ended)
	}
	if c.InSpeech() {
		t.Fatal("InSpeech true after silence run")
	}
}

func TestObserve_HysteresisIgnoresFlicker(t *testing.T) {
	c := New(testConfig(), nil)

	// Two loud frames, then quiet: below the consecutive-frame threshold.
	for i := 0; i < 2; i++ {
		if ev := c.Observe(loud); ev != EventNone {
			t.Fatalf("event %v before threshold", ev)
		}
	}
	if ev := c.Observe(quiet); ev != EventNone {
		t.Fatal("flicker opened an utterance")
	}
	if c.InSpeech() {
		t.Fatal("InSpeech after flicker")
	}
}

func TestPreRoll_BoundedAndPrepended(t *testing.T) {
	cfg := testConfig()
	cfg.PreRollMs = 40 // 2 frames at 20ms each
	c := New(cfg, nil)

	for i := 0; i < 10; i++ {
		c.Observe(quiet)
	}
	pre := c.PreRoll()
	maxBytes := cfg.SampleRate * 2 * cfg.PreRollMs / 1000
	if len(pre) > maxBytes {
		t.Fatalf("pre-roll %d bytes, cap %d", len(pre), maxBytes)
	}
	if len(pre) == 0 {
		t.Fatal("pre-roll empty after frames")
	}
}

func TestReset_KeepsMediaProven(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New(testConfig(), func() time.Time { return now })

	for i := 0; i < 5; i++ {
		c.Observe(loud)
	}
	c.Reset()
	if c.InSpeech() {
		t.Fatal("InSpeech survived Reset")
	}
	if !c.Ready() {
		t.Fatal("Reset cleared frame accounting")
	}
	if c.FramesSeen() != 5 {
		t.Fatalf("FramesSeen=%d, want 5", c.FramesSeen())
	}
	if !c.LastFrameAt().Equal(now) {
		t.Fatal("LastFrameAt lost")
	}
}

func TestFramesIn(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{700 * time.Millisecond, 35},
		{500 * time.Millisecond, 25},
		{20 * time.Millisecond, 1},
		{5 * time.Millisecond, 1},
		{0, 1},
	}
	for _, tc := range cases {
		if got := FramesIn(tc.d); got != tc.want {
			t.Errorf("FramesIn(%v)=%d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestRMSEnergy(t *testing.T) {
	if rmsEnergy(nil) != 0 {
		t.Fatal("empty frame energy not zero")
	}
	if got := rmsEnergy(frame(0, 160)); got != 0 {
		t.Fatalf("silence energy %v", got)
	}
	loudE := rmsEnergy(loud)
	quietE := rmsEnergy(quiet)
	if loudE <= quietE {
		t.Fatalf("loud %v not above quiet %v", loudE, quietE)
	}
	if loudE <= 0.015 {
		t.Fatalf("loud energy %v below speech threshold", loudE)
	}
	if quietE >= 0.008 {
		t.Fatalf("quiet energy %v above silence threshold", quietE)
	}
}
