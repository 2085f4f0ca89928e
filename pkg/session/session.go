// Package session implements the per-call state machine at the heart of the
// engine. Each call runs as one actor: every external signal (inbound frame,
// transcript, playback completion, webhook, hangup) is posted to a mailbox
// and handled by a single run loop, so ordering and exclusivity invariants
// hold without locking.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicedesk/callcore/pkg/config"
	"github.com/voicedesk/callcore/pkg/core/audio"
	"github.com/voicedesk/callcore/pkg/core/brain"
	"github.com/voicedesk/callcore/pkg/core/capture"
	"github.com/voicedesk/callcore/pkg/core/voice/stt"
	"github.com/voicedesk/callcore/pkg/core/voice/tts"
	"github.com/voicedesk/callcore/pkg/metrics"
	"github.com/voicedesk/callcore/pkg/transport"
)

// Spoken fallback lines. The caller always hears words, never silence or an
// error tone.
const (
	repromptLine   = "Sorry, could you repeat that?"
	stillThereLine = "Are you still there?"
	fallbackLine   = "I'm sorry, I'm having a little trouble right now. Could you say that again?"
)

// AnalyticsReporter receives call lifecycle facts. Implementations must not
// block; failures are theirs to swallow.
type AnalyticsReporter interface {
	CallStarted(callID, tenantID, from, to string)
	CallerMessage(callID, text string)
	CallEnded(callID, reason string, duration time.Duration)
}

// Config carries the per-call timing knobs.
type Config struct {
	DeadAirInterval   time.Duration
	DeadAirEntryGrace time.Duration
	SpeechStartGrace  time.Duration
	NoFramesThreshold time.Duration
	PlaybackWatchdog  time.Duration
	LateFinalGrace    time.Duration
	TurnTimeout       time.Duration
	MaxCallDuration   time.Duration

	Audio     audio.Config
	Capture   capture.Config
	Segmenter SegmenterConfig

	MailboxSize int
}

func DefaultSessionConfig() Config {
	return Config{
		DeadAirInterval:   6 * time.Second,
		DeadAirEntryGrace: 2500 * time.Millisecond,
		SpeechStartGrace:  4 * time.Second,
		NoFramesThreshold: 3 * time.Second,
		PlaybackWatchdog:  8 * time.Second,
		LateFinalGrace:    1500 * time.Millisecond,
		TurnTimeout:       30 * time.Second,
		MaxCallDuration:   30 * time.Minute,
		Audio:             audio.DefaultConfig(),
		Segmenter:         DefaultSegmenterConfig(),
		MailboxSize:       256,
	}
}

// FromEngineConfig maps the process configuration onto per-session settings.
func FromEngineConfig(ec config.Config) Config {
	cfg := DefaultSessionConfig()
	cfg.DeadAirInterval = ec.DeadAirInterval
	cfg.DeadAirEntryGrace = ec.DeadAirEntryGrace
	cfg.SpeechStartGrace = ec.SpeechStartGrace
	cfg.NoFramesThreshold = ec.NoFramesThreshold
	cfg.PlaybackWatchdog = ec.PlaybackWatchdog
	cfg.LateFinalGrace = ec.LateFinalGrace
	cfg.TurnTimeout = ec.TurnTimeout
	cfg.MaxCallDuration = ec.MaxCallDuration
	if ec.SilenceCommit > 0 {
		cfg.Audio.SilenceFrames = audio.FramesIn(ec.SilenceCommit)
	}
	cfg.Capture.ChunkDuration = ec.UtteranceChunk
	cfg.Capture.RecognizeTimeout = ec.RecognizeTimeout
	cfg.Capture.Retries = ec.RecognizeRetries
	cfg.Segmenter.MaxChars = ec.SegmentMaxChars
	cfg.Segmenter.MinChars = ec.SegmentMinChars
	cfg.Segmenter.MaxHold = ec.FirstSegmentMaxWait
	return cfg
}

// Dependencies are everything one call needs, injected at construction. The
// tenant snapshot is read-only.
type Dependencies struct {
	CallID string
	Tenant config.TenantConfig
	From   string
	To     string

	Transport  transport.Transport
	Recognizer stt.Provider
	PresetTTS  tts.Provider
	ClonedTTS  tts.Provider
	Brain      brain.Provider

	Analytics AnalyticsReporter // optional
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// OnClose runs after teardown completes. It must not call back into the
	// session.
	OnClose func(callID, reason string)

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Session owns one call. External methods post to the mailbox and return
// immediately; all state lives on the run loop.
type Session struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	callID string
	tenant config.TenantConfig
	from   string
	to     string

	tr        transport.Transport
	presetTTS tts.Provider
	clonedTTS tts.Provider
	brain     brain.Provider
	analytics AnalyticsReporter
	metrics   *metrics.Metrics
	onClose   func(callID, reason string)

	mailbox chan any
	done    chan struct{}
	started atomic.Bool
	active  atomic.Bool
	state   atomic.Int32

	// Loop-owned state. Never touched off the run loop.
	coord    *audio.Coordinator
	pipeline *capture.Pipeline
	filter   *capture.Filter
	pb       *playbackController

	history            []brain.Turn
	turnToken          int64
	turnCancel         context.CancelFunc
	turnActive         bool
	turnStartedAt      time.Time
	firstSegmentSeen   bool
	pending            brain.Directives
	pendingSet         bool
	enteredListeningAt time.Time
	framesAtListen     int64
	lastPartial        string
	reprompting        bool
	answeredAt         time.Time
	endReason          string
	ended              bool
	graceArmed         bool
	tornDown           bool

	voiceMu sync.Mutex
	voice   config.VoiceMode
}

// New builds a session. Start must be called before any events are posted.
func New(cfg Config, deps Dependencies) (*Session, error) {
	if deps.CallID == "" {
		return nil, fmt.Errorf("session: call ID required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("session: transport required")
	}
	if deps.Recognizer == nil {
		return nil, fmt.Errorf("session: recognizer required")
	}
	if deps.PresetTTS == nil && deps.ClonedTTS == nil {
		return nil, fmt.Errorf("session: at least one synthesizer required")
	}
	if deps.Brain == nil {
		return nil, fmt.Errorf("session: reply provider required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.DeadAirInterval <= 0 {
		cfg.DeadAirInterval = 6 * time.Second
	}
	if cfg.PlaybackWatchdog <= 0 {
		cfg.PlaybackWatchdog = 8 * time.Second
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 30 * time.Second
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}

	s := &Session{
		cfg:       cfg,
		logger:    deps.Logger.With("call_id", deps.CallID, "tenant", deps.Tenant.ID),
		now:       deps.Now,
		callID:    deps.CallID,
		tenant:    deps.Tenant,
		from:      deps.From,
		to:        deps.To,
		tr:        deps.Transport,
		presetTTS: deps.PresetTTS,
		clonedTTS: deps.ClonedTTS,
		brain:     deps.Brain,
		analytics: deps.Analytics,
		metrics:   deps.Metrics,
		onClose:   deps.OnClose,
		mailbox:   make(chan any, cfg.MailboxSize),
		done:      make(chan struct{}),
		voice:     deps.Tenant.DefaultVoice,
	}
	s.active.Store(true)
	s.state.Store(int32(StateInit))

	s.coord = audio.New(cfg.Audio, s.now)
	captureCfg := cfg.Capture
	captureCfg.Language = deps.Tenant.STTLanguage
	captureCfg.Prompt = deps.Tenant.STTPrompt
	s.pipeline = capture.New(captureCfg, s.coord, deps.Recognizer, capture.Callbacks{
		SpeechStart:   s.onSpeechStart,
		Transcript:    func(text string, final bool) { s.post(evTranscript{text: text, final: final}) },
		UtteranceEnd:  s.onUtteranceEnd,
		IngestFailure: func(err error) { s.post(evIngestFailure{err: err}) },
	}, s.logger)
	s.filter = capture.NewFilter(2)
	s.pb = newPlaybackController(deps.Transport, cfg.PlaybackWatchdog, s.logger, s.post)
	return s, nil
}

// Start opens the media path and launches the run loop. A transport that
// cannot start is fatal for the call.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s: already started", s.callID)
	}
	if err := s.tr.Start(ctx, func(frame []byte) { s.post(evFrame{data: frame}) }); err != nil {
		s.active.Store(false)
		s.state.Store(int32(StateEnded))
		close(s.done)
		return fmt.Errorf("session %s: transport start: %w", s.callID, err)
	}
	s.metrics.CallsActive.Inc()
	go s.run(ctx)
	return nil
}

// Answer signals that the carrier (or direct peer) confirmed the call.
func (s *Session) Answer() { s.post(evAnswered{}) }

// HandleFrame feeds inbound audio delivered outside the transport callback
// (carrier media streams arrive over a separate path).
func (s *Session) HandleFrame(frame []byte) { s.post(evFrame{data: frame}) }

// HandlePlaybackEnded routes a carrier playback-ended webhook to this call.
func (s *Session) HandlePlaybackEnded(segmentID string) {
	s.post(evPlaybackEnded{segmentID: segmentID, source: EndSourceWebhook})
}

// SetVoiceMode swaps the synthesis voice; it takes effect on the next
// synthesis call and never interrupts queued or playing audio.
func (s *Session) SetVoiceMode(mode config.VoiceMode) { s.post(evSetVoiceMode{mode: mode}) }

// End requests call teardown for the given reason. Idempotent.
func (s *Session) End(reason string) { s.post(evEnd{reason: reason}) }

// Active reports whether the call is still live. Once false, never true
// again.
func (s *Session) Active() bool { return s.active.Load() }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Done closes when teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// EndReason is valid after Done closes.
func (s *Session) EndReason() string { return s.endReason }

// History returns the conversation transcript. Only safe after Done closes.
func (s *Session) History() []brain.Turn {
	out := make([]brain.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// post delivers an event to the run loop, dropping it if the session is gone.
func (s *Session) post(ev any) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) run(ctx context.Context) {
	var (
		deadAirTimer  *time.Timer
		deadAirActive bool
		graceTimer    *time.Timer
		graceActive   bool
		maxDurTimer   *time.Timer
		maxDurActive  bool
	)
	stopTimer := func(t **time.Timer, active *bool) {
		if *t == nil {
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		*active = false
	}
	resetTimer := func(t **time.Timer, active *bool, d time.Duration) {
		if d <= 0 {
			return
		}
		if *t == nil {
			*t = time.NewTimer(d)
			*active = true
			return
		}
		if !(*t).Stop() {
			select {
			case <-(*t).C:
			default:
			}
		}
		(*t).Reset(d)
		*active = true
	}
	timerCh := func(t *time.Timer, active bool) <-chan time.Time {
		if !active || t == nil {
			return nil
		}
		return t.C
	}
	defer func() {
		stopTimer(&deadAirTimer, &deadAirActive)
		stopTimer(&graceTimer, &graceActive)
		stopTimer(&maxDurTimer, &maxDurActive)
	}()

	armDeadAir := func() { resetTimer(&deadAirTimer, &deadAirActive, s.cfg.DeadAirInterval) }

	// endCall marks the call over and either tears down now or arms the
	// late-final grace window when a recognition request is outstanding.
	endCall := func(reason string) {
		if s.ended {
			return
		}
		s.markEnded(reason)
		stopTimer(&deadAirTimer, &deadAirActive)
		stopTimer(&maxDurTimer, &maxDurActive)
		if s.pipeline.InFlight() > 0 && s.cfg.LateFinalGrace > 0 {
			s.graceArmed = true
			resetTimer(&graceTimer, &graceActive, s.cfg.LateFinalGrace)
			s.logger.Info("late-final grace armed", "window", s.cfg.LateFinalGrace)
			return
		}
		s.finishTeardown()
	}

	ctxDone := ctx.Done()

	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			endCall("shutdown")

		case ev := <-s.mailbox:
			switch ev := ev.(type) {
			case evAnswered:
				s.handleAnswered()
				resetTimer(&maxDurTimer, &maxDurActive, s.cfg.MaxCallDuration)
				armDeadAir()
			case evFrame:
				if !s.ended {
					s.pipeline.HandleFrame(ev.data)
				}
			case evTranscript:
				if done := s.handleTranscript(ev); done {
					stopTimer(&graceTimer, &graceActive)
					s.finishTeardown()
				}
			case evIngestFailure:
				if done := s.handleIngestFailure(ev.err); done {
					stopTimer(&graceTimer, &graceActive)
					s.finishTeardown()
				}
			case evSegmentReady:
				s.handleSegmentReady(ev)
			case evTurnDone:
				s.handleTurnDone(ev)
			case evPlaybackEnded:
				s.handlePlaybackEnded(ev)
			case evSystemSpeechFailed:
				s.handleSystemSpeechFailed(ev)
			case evSetVoiceMode:
				s.setVoice(ev.mode)
				s.logger.Info("voice mode changed", "kind", ev.mode.Kind, "voice", ev.mode.Voice)
			case evEnd:
				endCall(ev.reason)
			}

		case <-timerCh(deadAirTimer, deadAirActive):
			deadAirActive = false
			if !s.ended {
				s.checkDeadAir()
				armDeadAir()
			}

		case <-timerCh(graceTimer, graceActive):
			graceActive = false
			if s.graceArmed {
				s.graceArmed = false
				s.metrics.LateFinalTotal.WithLabelValues("expired").Inc()
				s.logger.Info("late-final grace expired")
				s.finishTeardown()
			}

		case <-timerCh(maxDurTimer, maxDurActive):
			maxDurActive = false
			endCall("max_duration")
		}

		if s.tornDown {
			return
		}
	}
}

func (s *Session) handleAnswered() {
	if s.State() != StateInit || s.ended {
		return
	}
	s.answeredAt = s.now()
	s.setState(StateAnswered)
	s.logger.Info("call answered", "from", s.from, "to", s.to, "transport", s.tr.Kind().String())
	if s.analytics != nil {
		s.analytics.CallStarted(s.callID, s.tenant.ID, s.from, s.to)
	}
	if greeting := strings.TrimSpace(s.tenant.Greeting); greeting != "" {
		s.speakSystem(greeting)
	} else {
		s.enterListening()
	}
}

func (s *Session) enterListening() {
	s.setState(StateListening)
	s.enteredListeningAt = s.now()
	s.framesAtListen = s.coord.FramesSeen()
	s.lastPartial = ""
	s.reprompting = false
}

// onSpeechStart fires inline from the pipeline while the run loop is handling
// a frame.
func (s *Session) onSpeechStart() {
	if s.ended {
		return
	}
	if s.pb.playing() {
		s.metrics.BargeInsTotal.Inc()
		dropped := s.pb.interrupt()
		s.bumpToken()
		s.logger.Info("barge-in", "dropped_segments", dropped)
		s.enterListening()
	}
}

func (s *Session) onUtteranceEnd() {
	s.logger.Debug("utterance ended")
}

// handleTranscript returns true when a late final inside the grace window
// should complete teardown.
func (s *Session) handleTranscript(ev evTranscript) bool {
	kind := "partial"
	if ev.final {
		kind = "final"
	}
	s.metrics.TranscriptsTotal.WithLabelValues(kind).Inc()

	if !ev.final {
		// Held as a fallback in case the final never arrives.
		s.lastPartial = ev.text
		s.logger.Debug("partial transcript", "text", ev.text)
		return false
	}

	if s.ended {
		if s.graceArmed {
			s.graceArmed = false
			s.appendHistory(brain.RoleCaller, ev.text)
			if s.analytics != nil {
				s.analytics.CallerMessage(s.callID, ev.text)
			}
			s.metrics.LateFinalTotal.WithLabelValues("captured").Inc()
			s.logger.Info("late final captured", "text", ev.text)
			return true
		}
		s.logger.Debug("final after teardown dropped", "text", ev.text)
		return false
	}

	s.lastPartial = ""
	verdict, reason := s.filter.Check(ev.text)
	switch verdict {
	case capture.VerdictReject:
		s.metrics.GibberishRejectsTotal.Inc()
		s.metrics.RepromptsTotal.WithLabelValues("gibberish").Inc()
		s.logger.Info("transcript rejected", "reason", reason, "text", ev.text)
		s.speakSystem(repromptLine)
		return false
	case capture.VerdictPassthrough:
		s.logger.Warn("suspect transcript passed through", "reason", reason, "text", ev.text)
	}

	if !s.pb.idle() {
		// A final can land while audio is still queued when speech opened
		// before playback began. The caller's words win.
		s.pb.interrupt()
	}

	s.metrics.TurnsTotal.Inc()
	s.bumpToken()
	token := s.turnToken
	historySnapshot := make([]brain.Turn, len(s.history))
	copy(historySnapshot, s.history)
	s.appendHistory(brain.RoleCaller, ev.text)
	if s.analytics != nil {
		s.analytics.CallerMessage(s.callID, ev.text)
	}

	s.setState(StateThinking)
	s.turnActive = true
	s.turnStartedAt = s.now()
	s.firstSegmentSeen = false

	turnCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TurnTimeout)
	s.turnCancel = cancel
	go s.runTurn(turnCtx, token, ev.text, historySnapshot)
	return false
}

// handleIngestFailure reacts to a recognition that failed after retries. The
// last partial, when one was heard, stands in for the lost final; otherwise
// the caller is asked to repeat. Returns true when a grace-window teardown
// should complete.
func (s *Session) handleIngestFailure(err error) bool {
	s.metrics.ProviderErrorsTotal.WithLabelValues("stt").Inc()
	if s.ended {
		if !s.graceArmed {
			return false
		}
		s.graceArmed = false
		if s.lastPartial != "" {
			s.appendHistory(brain.RoleCaller, s.lastPartial)
			if s.analytics != nil {
				s.analytics.CallerMessage(s.callID, s.lastPartial)
			}
			s.metrics.LateFinalTotal.WithLabelValues("captured").Inc()
			s.logger.Info("late partial captured after failed final", "text", s.lastPartial)
		} else {
			s.metrics.LateFinalTotal.WithLabelValues("expired").Inc()
			s.logger.Info("late final lost to recognition failure", "error", err)
		}
		return true
	}
	if s.lastPartial != "" {
		text := s.lastPartial
		s.lastPartial = ""
		s.logger.Warn("recognition failed, promoting last partial", "text", text, "error", err)
		return s.handleTranscript(evTranscript{text: text, final: true})
	}
	s.metrics.RepromptsTotal.WithLabelValues("ingest_failure").Inc()
	s.logger.Warn("recognition failed", "error", err)
	s.speakSystem(repromptLine)
	return false
}

func (s *Session) handleSegmentReady(ev evSegmentReady) {
	if s.ended || ev.token != s.turnToken {
		return
	}
	s.metrics.SegmentsTotal.Inc()
	if s.turnActive && !s.firstSegmentSeen {
		s.firstSegmentSeen = true
		s.metrics.TurnLatency.Observe(s.now().Sub(s.turnStartedAt).Seconds())
	}
	s.pb.enqueue(ev.seg)
	if st := s.State(); st != StateSpeaking {
		s.setState(StateSpeaking)
	}
}

func (s *Session) handleTurnDone(ev evTurnDone) {
	if ev.token != s.turnToken {
		return
	}
	s.turnActive = false
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if s.ended {
		return
	}
	if ev.err != nil {
		s.metrics.ProviderErrorsTotal.WithLabelValues("brain").Inc()
		s.logger.Error("reply generation failed", "error", ev.err)
		s.speakSystem(fallbackLine)
		return
	}
	if ev.text != "" {
		s.appendHistory(brain.RoleAssistant, ev.text)
	}
	if ev.directives.Transfer != "" || ev.directives.Hangup {
		s.pending = ev.directives
		s.pendingSet = true
	}
	if s.pb.idle() {
		s.finishResponse()
	}
}

func (s *Session) handlePlaybackEnded(ev evPlaybackEnded) {
	src, ok := s.pb.handleEnd(ev.segmentID, ev.source)
	if !ok {
		s.logger.Debug("stale playback end", "segment", ev.segmentID, "source", ev.source.String())
		return
	}
	s.metrics.PlaybackEndTotal.WithLabelValues(src.String()).Inc()
	if src == EndSourceFailsafe {
		s.logger.Warn("playback end accepted without authority", "source", ev.source.String())
	}
	if ev.err != nil && !s.ended {
		s.logger.Warn("playback error", "segment", ev.segmentID, "error", ev.err)
	}
	if s.ended {
		return
	}
	s.pb.startNext()
	if s.pb.idle() && !s.turnActive {
		s.finishResponse()
	}
}

func (s *Session) handleSystemSpeechFailed(ev evSystemSpeechFailed) {
	if s.ended || ev.token != s.turnToken {
		return
	}
	s.reprompting = false
	if s.pb.idle() && !s.turnActive {
		s.enterListening()
	}
}

// finishResponse runs when the segment queue drains with no more synthesis
// coming: execute any settled directives, otherwise go back to listening.
func (s *Session) finishResponse() {
	if s.ended {
		return
	}
	if s.pendingSet {
		d := s.pending
		s.pendingSet = false
		switch {
		case d.Transfer != "":
			s.logger.Info("transferring call", "target", d.Transfer)
			go func(target string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.tr.Transfer(ctx, target); err != nil {
					s.logger.Error("transfer failed", "target", target, "error", err)
				}
			}(d.Transfer)
			s.End("transfer")
			return
		case d.Hangup:
			s.logger.Info("assistant requested hangup")
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.tr.Hangup(ctx); err != nil {
					s.logger.Warn("hangup failed", "error", err)
				}
			}()
			s.End("assistant_hangup")
			return
		}
	}
	s.enterListening()
}

func (s *Session) checkDeadAir() {
	if s.State() != StateListening {
		return
	}
	snap := deadAirSnapshot{
		now:                s.now(),
		recognitionsActive: s.pipeline.InFlight(),
		turnActive:         s.turnActive,
		enteredListeningAt: s.enteredListeningAt,
		speechActive:       s.pipeline.SpeechActive(),
		speechStartedAt:    s.coord.SpeechStartedAt(),
		lastFrameAt:        s.coord.LastFrameAt(),
		framesSinceListen:  s.coord.FramesSeen() > s.framesAtListen,
		playbackActive:     s.pb.playing(),
		reprompting:        s.reprompting,
	}
	policy := deadAirPolicy{
		entryGrace:       s.cfg.DeadAirEntryGrace,
		speechStartGrace: s.cfg.SpeechStartGrace,
		noFramesWindow:   s.cfg.NoFramesThreshold,
	}
	fire, suppressed := policy.evaluate(snap)
	if !fire {
		s.logger.Debug("dead-air check suppressed", "rule", suppressed)
		return
	}
	s.reprompting = true
	s.enteredListeningAt = s.now()
	s.metrics.RepromptsTotal.WithLabelValues("dead_air").Inc()
	s.logger.Info("dead-air reprompt")
	s.speakSystem(stillThereLine)
}

// speakSystem synthesizes and queues a fixed line (greeting, reprompt,
// fallback) outside any reply turn.
func (s *Session) speakSystem(text string) {
	token := s.turnToken
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		seg, err := s.synthesize(ctx, text)
		if err != nil {
			s.metrics.ProviderErrorsTotal.WithLabelValues("tts").Inc()
			s.logger.Error("synthesis failed", "error", err)
			s.post(evSystemSpeechFailed{token: token})
			return
		}
		seg.system = true
		s.post(evSegmentReady{token: token, seg: seg})
	}()
}

// runTurn drives one reply: stream tokens, cut segments, synthesize each in
// order, then settle directives. Runs off-loop; everything comes back as
// mailbox events tagged with the turn token.
func (s *Session) runTurn(ctx context.Context, token int64, transcript string, history []brain.Turn) {
	var transfers []brain.TransferTarget
	for _, t := range s.tenant.Transfers {
		transfers = append(transfers, brain.TransferTarget{Name: t.Name, Number: t.Number})
	}
	stream, err := s.brain.Reply(ctx, brain.Request{
		CallID:       s.callID,
		Transcript:   transcript,
		History:      history,
		SystemPrompt: s.tenant.SystemPrompt,
		Pricing:      s.tenant.Pricing,
		Transfers:    transfers,
	})
	if err != nil {
		s.post(evTurnDone{token: token, err: err})
		return
	}
	defer stream.Close()

	// A voice directive takes effect as soon as the stream exposes it. When
	// the backend sends it ahead of the tokens, this very reply is synthesized
	// in the requested voice.
	voiceApplied := false
	applyVoice := func() {
		if voiceApplied {
			return
		}
		vd := stream.Directives().VoiceMode
		if vd == nil {
			return
		}
		voiceApplied = true
		s.setVoice(config.VoiceMode{Kind: vd.Kind, Voice: vd.Voice, ReferenceURL: vd.ReferenceURL})
		s.logger.Info("voice directive applied", "kind", vd.Kind)
	}
	applyVoice()

	in := make(chan string, 32)
	segs := make(chan string, 8)
	go NewSegmenter(s.cfg.Segmenter, nil).Run(ctx, in, segs)

	synthDone := make(chan struct{})
	go func() {
		defer close(synthDone)
		for text := range segs {
			seg, err := s.synthesize(ctx, text)
			if err != nil {
				if ctx.Err() == nil {
					s.metrics.ProviderErrorsTotal.WithLabelValues("tts").Inc()
					s.logger.Error("segment synthesis failed", "error", err)
				}
				continue
			}
			s.post(evSegmentReady{token: token, seg: seg})
		}
	}()

	var full strings.Builder
	var streamErr error
loop:
	for {
		tok, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		full.WriteString(tok)
		applyVoice()
		select {
		case in <- tok:
		case <-ctx.Done():
			streamErr = ctx.Err()
			break loop
		}
	}
	close(in)
	<-synthDone
	// Directives settled only on the terminal line apply from here on.
	applyVoice()

	text := strings.TrimSpace(full.String())
	if streamErr != nil && text == "" {
		s.post(evTurnDone{token: token, err: streamErr})
		return
	}
	if streamErr != nil {
		// Partial reply: speak what we have, log the rest.
		s.logger.Warn("reply stream ended early", "error", streamErr)
	}
	s.post(evTurnDone{token: token, text: text, directives: stream.Directives()})
}

// synthesize renders text with the current voice mode. Safe off-loop; the
// voice snapshot is taken under its own lock.
func (s *Session) synthesize(ctx context.Context, text string) (*segment, error) {
	mode := s.voiceSnapshot()
	provider := s.presetTTS
	if mode.Kind == config.VoiceCloned && s.clonedTTS != nil {
		provider = s.clonedTTS
	}
	if provider == nil {
		provider = s.clonedTTS
	}
	res, err := provider.Synthesize(ctx, text, tts.SynthesizeOptions{
		Voice:        mode.Voice,
		Speed:        mode.Speed,
		Language:     s.tenant.STTLanguage,
		ReferenceURL: mode.ReferenceURL,
	})
	if err != nil {
		return nil, err
	}
	return &segment{
		id:          uuid.NewString(),
		text:        text,
		audio:       res.Audio,
		contentType: res.ContentType,
		duration:    time.Duration(res.Duration * float64(time.Second)),
	}, nil
}

func (s *Session) voiceSnapshot() config.VoiceMode {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	return s.voice
}

func (s *Session) setVoice(mode config.VoiceMode) {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	if mode.Kind == "" {
		mode.Kind = config.VoicePreset
	}
	s.voice = mode
}

// bumpToken supersedes any transcript-handling pass in flight. Stale turn
// events carry an older token and are dropped on arrival.
func (s *Session) bumpToken() {
	s.turnToken++
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turnActive = false
	s.pendingSet = false
	s.firstSegmentSeen = false
}

func (s *Session) appendHistory(role, text string) {
	s.history = append(s.history, brain.Turn{Role: role, Text: text})
}

// markEnded flips the monotonic active flag and silences the call. Timer and
// grace handling stays with the run loop's endCall closure.
func (s *Session) markEnded(reason string) {
	s.ended = true
	s.endReason = reason
	s.active.Store(false)
	s.setState(StateEnded)
	s.logger.Info("call ending", "reason", reason)
	s.pb.interrupt()
	s.bumpToken()
}

// finishTeardown releases everything. Runs exactly once.
func (s *Session) finishTeardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true

	s.pipeline.Abort()
	if err := s.tr.Close(); err != nil {
		s.logger.Debug("transport close", "error", err)
	}

	s.metrics.CallsActive.Dec()
	reason := s.endReason
	if reason == "" {
		reason = "unknown"
	}
	s.metrics.CallsTotal.WithLabelValues(reason).Inc()
	var duration time.Duration
	if !s.answeredAt.IsZero() {
		duration = s.now().Sub(s.answeredAt)
		s.metrics.CallDuration.Observe(duration.Seconds())
	}
	if s.analytics != nil {
		s.analytics.CallEnded(s.callID, reason, duration)
	}
	s.logger.Info("call torn down", "reason", reason, "duration", duration, "turns", len(s.history))

	if s.onClose != nil {
		go s.onClose(s.callID, reason)
	}
	close(s.done)
}
