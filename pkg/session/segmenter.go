package session

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// SegmenterConfig tunes how a streaming reply is cut into speakable segments.
type SegmenterConfig struct {
	// MaxChars is the hard cap on a segment's rune length.
	MaxChars int
	// MinChars is the minimum length before a timer tick may force a cut.
	MinChars int
	// FirstChunkChars lets the first segment out early so synthesis can
	// start before the reply finishes streaming.
	FirstChunkChars int
	// MaxHold bounds how long buffered text can sit without a cut.
	MaxHold time.Duration
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		MaxChars:        220,
		MinChars:        24,
		FirstChunkChars: 10,
		MaxHold:         250 * time.Millisecond,
	}
}

// Segmenter turns an append-only token stream into sentence-shaped segments
// for synthesis. Deterministic given a tick channel; pass nil for a real
// ticker.
type Segmenter struct {
	cfg  SegmenterConfig
	tick <-chan time.Time

	buf     strings.Builder
	emitted bool
}

func NewSegmenter(cfg SegmenterConfig, tick <-chan time.Time) *Segmenter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 220
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 24
	}
	if cfg.FirstChunkChars <= 0 {
		cfg.FirstChunkChars = 10
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 250 * time.Millisecond
	}
	return &Segmenter{cfg: cfg, tick: tick}
}

// Run consumes tokens from in and emits segments on out until in closes or
// ctx is cancelled. Remaining buffered text is flushed on close. out is
// closed on return.
func (sg *Segmenter) Run(ctx context.Context, in <-chan string, out chan<- string) {
	defer close(out)

	tick := sg.tick
	if tick == nil {
		ticker := time.NewTicker(sg.cfg.MaxHold)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tok, ok := <-in:
			if !ok {
				sg.flush(ctx, out)
				return
			}
			sg.buf.WriteString(tok)
			sg.emitReady(ctx, false, out)
		case <-tick:
			sg.emitReady(ctx, true, out)
		}
	}
}

func (sg *Segmenter) emitReady(ctx context.Context, forced bool, out chan<- string) {
	for {
		buf := sg.buf.String()
		if buf == "" {
			return
		}
		n := utf8.RuneCountInString(buf)

		// Complete sentence within the cap.
		if cut := sentenceCut(buf, sg.cfg.MaxChars); cut > 0 {
			if !sg.emit(ctx, cut, out) {
				return
			}
			continue
		}

		// Early start: cut the first segment at a word boundary as soon
		// as enough has streamed in.
		if !sg.emitted && n >= sg.cfg.FirstChunkChars {
			if cut := wordCutAtOrAfter(buf, sg.cfg.FirstChunkChars, sg.cfg.MaxChars); cut > 0 {
				if !sg.emit(ctx, cut, out) {
					return
				}
				continue
			}
		}

		// Over the cap: take the best word boundary before it.
		if n > sg.cfg.MaxChars {
			if cut := wordCutAtOrBefore(buf, sg.cfg.MaxChars); cut > 0 {
				if !sg.emit(ctx, cut, out) {
					return
				}
				continue
			}
		}

		// Timer expired with a decent amount buffered.
		if forced && n >= sg.cfg.MinChars {
			if cut := wordCutAtOrBefore(buf, n); cut > 0 {
				if !sg.emit(ctx, cut, out) {
					return
				}
				continue
			}
		}

		return
	}
}

// emit sends buf[:cut] and keeps the remainder. Returns false when ctx ended.
func (sg *Segmenter) emit(ctx context.Context, cut int, out chan<- string) bool {
	buf := sg.buf.String()
	if cut <= 0 || cut > len(buf) {
		return true
	}
	seg := buf[:cut]
	rest := buf[cut:]
	sg.buf.Reset()
	sg.buf.WriteString(rest)
	if strings.TrimSpace(seg) == "" {
		return true
	}
	sg.emitted = true
	select {
	case out <- seg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (sg *Segmenter) flush(ctx context.Context, out chan<- string) {
	for {
		buf := sg.buf.String()
		if strings.TrimSpace(buf) == "" {
			return
		}
		if utf8.RuneCountInString(buf) <= sg.cfg.MaxChars {
			if !sg.emit(ctx, len(buf), out) {
				return
			}
			continue
		}
		cut := wordCutAtOrBefore(buf, sg.cfg.MaxChars)
		if cut <= 0 {
			// No word boundary at all; split mid-word.
			cut = byteIndexOfRune(buf, sg.cfg.MaxChars)
			if cut <= 0 {
				return
			}
		}
		if !sg.emit(ctx, cut, out) {
			return
		}
	}
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// sentenceCut returns the byte index just past the first sentence boundary
// (plus trailing whitespace), or 0 if none occurs within maxChars runes.
func sentenceCut(s string, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			return 0
		}
		runes++
		if runes > maxChars {
			return 0
		}
		if isSentenceEnd(r) {
			j := i + size
			for j < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[j:])
				if sz <= 0 || !unicode.IsSpace(r2) {
					break
				}
				j += sz
			}
			return j
		}
		i += size
	}
	return 0
}

// wordCutAtOrAfter returns the byte index of the first whitespace run at or
// after minChars runes, capped at maxChars.
func wordCutAtOrAfter(s string, minChars, maxChars int) int {
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			return 0
		}
		runes++
		if runes > maxChars {
			return 0
		}
		if runes >= minChars && unicode.IsSpace(r) {
			j := i + size
			for j < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[j:])
				if sz <= 0 || !unicode.IsSpace(r2) {
					break
				}
				j += sz
			}
			return j
		}
		i += size
	}
	return 0
}

// wordCutAtOrBefore returns the byte index just past the last whitespace at
// or before maxChars runes, or 0 if the prefix has no whitespace.
func wordCutAtOrBefore(s string, maxChars int) int {
	best := 0
	runes := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		runes++
		if runes > maxChars {
			break
		}
		if unicode.IsSpace(r) {
			best = i + size
		}
		i += size
	}
	return best
}

// byteIndexOfRune maps a rune count to its byte offset.
func byteIndexOfRune(s string, runes int) int {
	i := 0
	for r := 0; r < runes && i < len(s); r++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			return i
		}
		i += size
	}
	return i
}
