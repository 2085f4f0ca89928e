package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicedesk/callcore/pkg/transport"
)

// segment is one synthesized chunk of speech queued for the transport.
type segment struct {
	id          string
	text        string
	audio       []byte
	contentType string
	duration    time.Duration
	system      bool // greeting, reprompt, fallback line
}

// playbackController owns the outbound segment queue for one call. All
// methods run on the session's event loop; completion signals from other
// goroutines arrive as mailbox events first.
//
// Exactly-once completion: a segment is finished by whichever signal lands
// first (transport resolution, carrier webhook, local watchdog). Everything
// after that is a no-op for the same segment.
type playbackController struct {
	tr          transport.Transport
	watchdogTTL time.Duration
	logger      *slog.Logger
	post        func(ev any)

	queue    []*segment
	current  *segment
	active   bool
	watchdog *time.Timer
	cancel   context.CancelFunc
}

func newPlaybackController(tr transport.Transport, watchdogTTL time.Duration, logger *slog.Logger, post func(ev any)) *playbackController {
	if watchdogTTL <= 0 {
		watchdogTTL = 8 * time.Second
	}
	return &playbackController{
		tr:          tr,
		watchdogTTL: watchdogTTL,
		logger:      logger,
		post:        post,
	}
}

// enqueue appends a segment and starts it if nothing is playing.
func (pc *playbackController) enqueue(seg *segment) {
	pc.queue = append(pc.queue, seg)
	pc.startNext()
}

// startNext begins the head of the queue. No-op while a segment is active.
func (pc *playbackController) startNext() {
	if pc.active || len(pc.queue) == 0 {
		return
	}
	seg := pc.queue[0]
	pc.queue = pc.queue[1:]
	pc.current = seg
	pc.active = true

	ctx, cancel := context.WithCancel(context.Background())
	pc.cancel = cancel

	req := transport.PlayRequest{
		SegmentID:   seg.id,
		Audio:       seg.audio,
		ContentType: seg.contentType,
		Duration:    seg.duration,
	}

	switch pc.tr.Kind() {
	case transport.KindDirect:
		// Play blocks until the audio has been delivered; its return is
		// the authoritative end signal.
		go func() {
			err := pc.tr.Play(ctx, req)
			pc.post(evPlaybackEnded{segmentID: seg.id, source: EndSourceTransport, err: err})
		}()
	default:
		// Carrier accepts and plays asynchronously. The webhook should
		// end the segment; the watchdog bounds how long we wait for it.
		id := seg.id
		pc.watchdog = time.AfterFunc(pc.watchdogTTL, func() {
			pc.post(evPlaybackEnded{segmentID: id, source: EndSourceWatchdog})
		})
		go func() {
			if err := pc.tr.Play(ctx, req); err != nil {
				pc.post(evPlaybackEnded{segmentID: seg.id, source: EndSourceTransport, err: err})
			}
		}()
	}
}

// handleEnd applies one completion signal. It returns the effective source
// when the signal finished the current segment and ok=false when the signal
// was stale or duplicate.
func (pc *playbackController) handleEnd(segmentID string, source EndSource) (EndSource, bool) {
	if !pc.active || pc.current == nil {
		return 0, false
	}
	if segmentID != "" && segmentID != pc.current.id {
		// Signal for a segment that already finished or was dropped.
		return 0, false
	}
	if segmentID == "" {
		// No segment authority; accepted only because playback is still
		// marked active.
		source = EndSourceFailsafe
	}
	pc.finishCurrent()
	return source, true
}

// interrupt drops the current segment and everything queued behind it.
// Returns the number of segments discarded (including the active one).
func (pc *playbackController) interrupt() int {
	dropped := len(pc.queue)
	pc.queue = nil
	if pc.active {
		dropped++
		pc.finishCurrent()
		go func(tr transport.Transport) {
			if err := tr.StopPlayback(context.Background()); err != nil {
				pc.logger.Debug("stop playback", "error", err)
			}
		}(pc.tr)
	}
	return dropped
}

func (pc *playbackController) finishCurrent() {
	if pc.watchdog != nil {
		pc.watchdog.Stop()
		pc.watchdog = nil
	}
	if pc.cancel != nil {
		pc.cancel()
		pc.cancel = nil
	}
	pc.current = nil
	pc.active = false
}

// idle reports whether nothing is playing and nothing is queued.
func (pc *playbackController) idle() bool {
	return !pc.active && len(pc.queue) == 0
}

func (pc *playbackController) playing() bool { return pc.active }
