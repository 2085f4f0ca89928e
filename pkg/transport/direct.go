package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnsupported is returned for operations a transport kind cannot perform.
var ErrUnsupported = errors.New("operation not supported by this transport")

// DirectTransport drives a browser-style media websocket. Inbound binary
// messages are caller PCM frames; outbound binary messages are synthesized
// audio. Play paces audio out in real time and returns when the segment has
// fully played, which is the authoritative completion signal.
type DirectTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool

	// Cancel func for the in-flight Play, if any.
	playMu     sync.Mutex
	playCancel context.CancelFunc

	// PaceInterval controls the outbound chunk cadence. Tests shrink it.
	PaceInterval time.Duration
	// SampleRate/Channels describe outbound PCM for pacing; defaults 16kHz mono.
	SampleRate int
	Channels   int

	// OnDisconnect fires once when the inbound read loop sees the socket
	// die. Set before Start.
	OnDisconnect func()
}

// NewDirect wraps an accepted media websocket.
func NewDirect(conn *websocket.Conn) *DirectTransport {
	return &DirectTransport{
		conn:         conn,
		PaceInterval: 100 * time.Millisecond,
		SampleRate:   16000,
		Channels:     1,
	}
}

func (d *DirectTransport) Kind() Kind { return KindDirect }

// Start reads inbound frames until the socket closes or ctx is done.
func (d *DirectTransport) Start(ctx context.Context, onFrame FrameHandler) error {
	if d.conn == nil {
		return fmt.Errorf("media socket is required")
	}
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			msgType, data, err := d.conn.ReadMessage()
			if err != nil {
				d.closed.Store(true)
				if d.OnDisconnect != nil {
					d.OnDisconnect()
				}
				return
			}
			if msgType == websocket.BinaryMessage && onFrame != nil {
				onFrame(data)
			}
		}
	}()
	return nil
}

// Play writes the segment out in paced chunks and returns once the audio has
// had time to play. A concurrent StopPlayback aborts it early.
func (d *DirectTransport) Play(ctx context.Context, req PlayRequest) error {
	if d.closed.Load() {
		return fmt.Errorf("media socket closed")
	}

	playCtx, cancel := context.WithCancel(ctx)
	d.playMu.Lock()
	if d.playCancel != nil {
		d.playCancel()
	}
	d.playCancel = cancel
	d.playMu.Unlock()
	defer func() {
		cancel()
		d.playMu.Lock()
		if d.playCancel != nil {
			d.playCancel = nil
		}
		d.playMu.Unlock()
	}()

	chunk := d.bytesPerInterval()
	audio := req.Audio
	ticker := time.NewTicker(d.PaceInterval)
	defer ticker.Stop()

	for len(audio) > 0 {
		n := chunk
		if n > len(audio) {
			n = len(audio)
		}
		d.writeMu.Lock()
		err := d.conn.WriteMessage(websocket.BinaryMessage, audio[:n])
		d.writeMu.Unlock()
		if err != nil {
			d.closed.Store(true)
			return fmt.Errorf("write audio: %w", err)
		}
		audio = audio[n:]
		if len(audio) == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-playCtx.Done():
			return playCtx.Err()
		}
	}

	// Let the tail of the segment finish playing client-side.
	if req.Duration > 0 {
		select {
		case <-time.After(d.PaceInterval):
		case <-playCtx.Done():
			return playCtx.Err()
		}
	}
	return nil
}

// StopPlayback aborts the in-flight Play, if any.
func (d *DirectTransport) StopPlayback(ctx context.Context) error {
	d.playMu.Lock()
	cancel := d.playCancel
	d.playCancel = nil
	d.playMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Transfer is not available on a direct media socket.
func (d *DirectTransport) Transfer(ctx context.Context, target string) error {
	return ErrUnsupported
}

// Hangup closes the media socket.
func (d *DirectTransport) Hangup(ctx context.Context) error {
	return d.Close()
}

// Close releases the socket. Idempotent.
func (d *DirectTransport) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.writeMu.Lock()
	_ = d.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	d.writeMu.Unlock()
	return d.conn.Close()
}

func (d *DirectTransport) bytesPerInterval() int {
	sr := d.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	ch := d.Channels
	if ch <= 0 {
		ch = 1
	}
	n := int(time.Duration(sr*ch*2) * d.PaceInterval / time.Second)
	if n <= 0 {
		n = 1600
	}
	return n
}
