// Package session owns one call's pipeline: it wires the media leg,
// transcription, the dialogue engine and synthesis together and enforces
// turn-taking. The Run loop is the only goroutine that touches session
// state; the stages deliver sequence-tagged events into it and results
// carrying a superseded sequence number are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elevoi/voicegate/internal/bridge"
	"github.com/elevoi/voicegate/internal/dialogue"
	"github.com/elevoi/voicegate/internal/metrics"
	"github.com/elevoi/voicegate/internal/synthesize"
	"github.com/elevoi/voicegate/internal/transcribe"
)

const (
	defaultFillerText      = "Let me check that for you."
	repromptText           = "Sorry, I didn't catch that. Could you say that again?"
	turnFaultText          = "Sorry, I ran into an issue with that request. Could you say that again?"
	defaultLatencyBudget   = 4 * time.Second
	defaultBargeInEnergy   = 0.05
	defaultBargeInDebounce = 200 * time.Millisecond
)

// Media is the call-leg boundary the session drives. *bridge.Bridge
// satisfies it.
type Media interface {
	Frames() <-chan bridge.Frame
	WriteAudio(responseID string, pcm []byte) error
	Flush(responseID string)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Responder generates one agent reply from the history. *dialogue.Engine
// satisfies it.
type Responder interface {
	Respond(ctx context.Context, history []dialogue.Turn, emit func(sentence string)) (*dialogue.Response, error)
}

// CallSummary is handed to the Sink when the session ends.
type CallSummary struct {
	CallID     string
	Caller     string
	Callee     string
	BusinessID string
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string
	Turns      []dialogue.Turn
}

// Sink receives the finished call. A nil Sink is allowed.
type Sink interface {
	CallEnded(ctx context.Context, summary CallSummary) error
}

// Config holds the per-session tunables.
type Config struct {
	Voice      string
	SampleRate int
	STTModel   string
	Language   string

	// EndpointMs is the trailing silence that ends a caller utterance.
	EndpointMs int
	// BargeInEnergy is the RMS level treated as caller speech while the
	// agent is talking.
	BargeInEnergy float64
	// BargeInDebounce is how long that energy must be sustained before the
	// agent is interrupted.
	BargeInDebounce time.Duration
	// LatencyBudget bounds silent thinking time before a filler line is
	// spoken.
	LatencyBudget time.Duration
	Greeting      string
	FillerText    string
	MaxSessionAge time.Duration
}

// Deps carries everything a session needs. Media, Transcriber, Synth and
// Engine are required.
type Deps struct {
	CallID     string
	Caller     string
	Callee     string
	BusinessID string

	Media       Media
	Transcriber transcribe.Provider
	Synth       synthesize.Provider
	Engine      Responder
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Sink        Sink
	Config      Config
	Now         func() time.Time
}

// Session runs one call.
type Session struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state       State
	history     []dialogue.Turn
	turnSeq     int
	responseSeq int

	sentenceCh   chan sentenceEvent
	engineDoneCh chan engineDone
	synthDoneCh  chan synthDone
}

type sentenceEvent struct {
	seq  int
	text string
}

type engineDone struct {
	seq  int
	resp *dialogue.Response
	err  error
}

type synthDone struct {
	seq       int
	filler    bool
	completed bool
	err       error
}

func New(deps Deps) (*Session, error) {
	if deps.Media == nil {
		return nil, fmt.Errorf("media leg is required")
	}
	if deps.Transcriber == nil {
		return nil, fmt.Errorf("transcription provider is required")
	}
	if deps.Synth == nil {
		return nil, fmt.Errorf("synthesis provider is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("dialogue engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = bridge.DefaultFormat().SampleRate
	}
	if cfg.BargeInEnergy <= 0 {
		cfg.BargeInEnergy = defaultBargeInEnergy
	}
	if cfg.BargeInDebounce <= 0 {
		cfg.BargeInDebounce = defaultBargeInDebounce
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = defaultLatencyBudget
	}
	if cfg.FillerText == "" {
		cfg.FillerText = defaultFillerText
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deps:         deps,
		cfg:          cfg,
		logger:       deps.Logger.With("call_id", deps.CallID),
		now:          deps.Now,
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		sentenceCh:   make(chan sentenceEvent, 16),
		engineDoneCh: make(chan engineDone, 4),
		synthDoneCh:  make(chan synthDone, 4),
	}, nil
}

// State returns the machine state. Only meaningful once Run has returned;
// during Run it is owned by the loop goroutine.
func (s *Session) State() State {
	return s.state
}

// History returns the turns accumulated so far. Same ownership caveat as
// State.
func (s *Session) History() []dialogue.Turn {
	return s.history
}

// Run drives the call to completion. It returns when the media leg
// disconnects, the agent hangs up, the session ages out, or a fault ends
// the call.
func (s *Session) Run() error {
	startedAt := s.now()
	s.deps.Metrics.SessionStarted()
	defer s.deps.Metrics.SessionEnded()
	defer s.cancel()
	defer s.wg.Wait()

	stt, err := s.deps.Transcriber.NewSession(s.ctx, transcribe.Config{
		Model:      s.cfg.STTModel,
		Language:   s.cfg.Language,
		Encoding:   "linear16",
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		EndpointMs: s.cfg.EndpointMs,
	})
	if err != nil {
		s.state = StateEnded
		_ = s.deps.Media.Close()
		return fmt.Errorf("open transcription: %w", err)
	}
	defer stt.Close()
	defer s.deps.Media.Close()

	s.logger.Info("session started",
		"stt", s.deps.Transcriber.Name(),
		"tts", s.deps.Synth.Name())

	format := bridge.Format{SampleRate: s.cfg.SampleRate, Channels: 1, BitsPerSample: 16}
	bargeInQuota := format.BytesForDurationMs(int(s.cfg.BargeInDebounce / time.Millisecond))

	var (
		runCtx         context.Context
		runCancel      context.CancelFunc
		activeIDs      []string
		spoken         []string
		pendingText    string
		pendingEndCall bool
		engineFinished bool
		synthFinished  bool
		turnStartedAt  time.Time
		bargeInBytes   int
		endReason      string
		runErr         error

		fillerTimer  *time.Timer
		fillerActive bool
	)

	stopFiller := func() {
		if fillerTimer == nil {
			return
		}
		if !fillerTimer.Stop() {
			select {
			case <-fillerTimer.C:
			default:
			}
		}
		fillerActive = false
	}
	armFiller := func() {
		if fillerTimer == nil {
			fillerTimer = time.NewTimer(s.cfg.LatencyBudget)
			fillerActive = true
			return
		}
		stopFiller()
		fillerTimer.Reset(s.cfg.LatencyBudget)
		fillerActive = true
	}
	fillerCh := func() <-chan time.Time {
		if !fillerActive || fillerTimer == nil {
			return nil
		}
		return fillerTimer.C
	}
	defer func() {
		if fillerTimer != nil {
			fillerTimer.Stop()
		}
	}()

	cancelActive := func() {
		if runCancel != nil {
			runCancel()
			runCancel = nil
		}
	}

	appendTurn := func(t dialogue.Turn) {
		s.turnSeq++
		t.Seq = s.turnSeq
		if t.Timestamp.IsZero() {
			t.Timestamp = s.now()
		}
		s.history = append(s.history, t)
		s.deps.Metrics.RecordTurn(string(t.Role))
	}

	// newResponse supersedes whatever was in flight: in-flight results keep
	// the old sequence number and are discarded on arrival.
	newResponse := func() (int, string, context.Context) {
		cancelActive()
		stopFiller()
		s.responseSeq++
		seq := s.responseSeq
		activeIDs = activeIDs[:0]
		spoken = spoken[:0]
		pendingText = ""
		pendingEndCall = false
		engineFinished = false
		synthFinished = false
		ctx, cancel := context.WithCancel(s.ctx)
		runCtx, runCancel = ctx, cancel
		return seq, fmt.Sprintf("r_%d", seq), ctx
	}

	// interruptActive cuts agent speech: cancel generation and synthesis,
	// drop every queued chunk of the superseded response, and record the
	// truncated turn. The sequence bump makes late results stale.
	interruptActive := func() {
		cancelActive()
		stopFiller()
		for _, id := range activeIDs {
			s.deps.Media.Flush(id)
		}
		if text := strings.TrimSpace(strings.Join(spoken, " ")); text != "" {
			appendTurn(dialogue.Turn{Role: dialogue.RoleAgent, Content: text, Interrupted: true})
		}
		activeIDs = activeIDs[:0]
		spoken = spoken[:0]
		pendingText = ""
		pendingEndCall = false
		s.responseSeq++
		bargeInBytes = 0
	}

	startTurn := func(userText string) {
		appendTurn(dialogue.Turn{Role: dialogue.RoleCaller, Content: userText})
		turnStartedAt = s.now()
		seq, responseID, runCtx := newResponse()
		activeIDs = append(activeIDs, responseID)
		s.state = StateThinking
		armFiller()

		hist := make([]dialogue.Turn, len(s.history))
		copy(hist, s.history)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.generate(runCtx, seq, responseID, hist, turnStartedAt)
		}()
	}

	// speakLine voices fixed text (greeting, re-prompt, fault recovery)
	// outside the engine.
	speakLine := func(text string) {
		seq, responseID, runCtx := newResponse()
		activeIDs = append(activeIDs, responseID)
		pendingText = text
		engineFinished = true
		spoken = append(spoken, text)
		s.state = StateSpeaking
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.speakDirect(runCtx, seq, responseID, text, false, time.Time{})
		}()
	}

	endSession := func(reason string) {
		endReason = reason
		cancelActive()
		s.state = StateEnded
	}

	// finishResponse completes a turn once both halves have reported:
	// the engine with the full text and the synthesizer with playback.
	// Either one can arrive first.
	finishResponse := func() {
		if !engineFinished || !synthFinished || s.state == StateEnded {
			return
		}
		cancelActive()
		stopFiller()
		if pendingText != "" {
			appendTurn(dialogue.Turn{Role: dialogue.RoleAgent, Content: pendingText})
			pendingText = ""
		}
		spoken = spoken[:0]
		if pendingEndCall {
			endSession("agent_hangup")
			return
		}
		s.state = StateListening
	}

	var ageCh <-chan time.Time
	if s.cfg.MaxSessionAge > 0 {
		ageTimer := time.NewTimer(s.cfg.MaxSessionAge)
		defer ageTimer.Stop()
		ageCh = ageTimer.C
	}

	if s.cfg.Greeting != "" {
		speakLine(s.cfg.Greeting)
	} else {
		s.state = StateListening
	}

	frames := s.deps.Media.Frames()
	fragments := stt.Fragments()

	for s.state != StateEnded {
		select {
		case <-s.deps.Media.Done():
			endSession("disconnect")
			runErr = s.deps.Media.Err()

		case <-ageCh:
			s.logger.Info("session aged out")
			endSession("max_duration")

		case frame, ok := <-frames:
			if !ok {
				endSession("disconnect")
				runErr = s.deps.Media.Err()
				continue
			}
			if err := stt.SendAudio(frame.PCM); err != nil {
				s.logger.Error("forward audio failed", "err", err)
				endSession("transcription_lost")
				continue
			}
			if s.state == StateIdle {
				s.state = StateListening
			}
			if s.state == StateSpeaking {
				if frame.Energy >= s.cfg.BargeInEnergy {
					bargeInBytes += len(frame.PCM)
					if bargeInBytes >= bargeInQuota {
						s.logger.Info("barge-in", "sustained_ms", format.DurationMs(bargeInBytes))
						s.deps.Metrics.RecordBargeIn()
						s.state = StateInterrupted
						interruptActive()
						s.state = StateListening
					}
				} else {
					bargeInBytes = 0
				}
			} else {
				bargeInBytes = 0
			}

		case frag, ok := <-fragments:
			if !ok {
				endSession("transcription_lost")
				continue
			}
			if frag.Err != nil {
				s.logger.Warn("transcription error", "utterance_id", frag.UtteranceID, "err", frag.Err)
				s.deps.Metrics.RecordTranscribeError()
				if s.state == StateSpeaking || s.state == StateThinking {
					interruptActive()
				}
				speakLine(repromptText)
				continue
			}
			if !frag.Final {
				// Partials are advisory; barge-in runs on frame energy.
				continue
			}
			text := strings.TrimSpace(frag.Text)
			if text == "" {
				continue
			}
			// A final utterance supersedes whatever the agent was doing.
			if s.state == StateSpeaking || s.state == StateThinking {
				interruptActive()
			}
			s.logger.Debug("caller utterance", "utterance_id", frag.UtteranceID, "text", text)
			startTurn(text)

		case <-fillerCh():
			fillerActive = false
			if s.state != StateThinking {
				continue
			}
			s.logger.Debug("latency budget exceeded, speaking filler")
			// Same sequence number: the filler belongs to the in-flight
			// response and dies with it on interruption.
			fillerID := fmt.Sprintf("r_%d_fill", s.responseSeq)
			activeIDs = append(activeIDs, fillerID)
			fillerCtx := runCtx
			if fillerCtx == nil {
				fillerCtx = s.ctx
			}
			seq := s.responseSeq
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.speakDirect(fillerCtx, seq, fillerID, s.cfg.FillerText, true, time.Time{})
			}()

		case ev := <-s.sentenceCh:
			if ev.seq != s.responseSeq {
				continue
			}
			spoken = append(spoken, ev.text)
			if s.state == StateThinking {
				stopFiller()
				s.state = StateSpeaking
			}

		case done := <-s.engineDoneCh:
			if done.seq != s.responseSeq {
				continue
			}
			if done.err != nil {
				if errors.Is(done.err, context.Canceled) {
					continue
				}
				s.logger.Error("response generation failed", "err", done.err)
				interruptActive()
				speakLine(turnFaultText)
				continue
			}
			for _, tt := range done.resp.ToolTurns {
				appendTurn(tt)
			}
			pendingText = done.resp.Text
			pendingEndCall = done.resp.EndCall
			engineFinished = true
			if pendingText == "" {
				// Nothing to voice; don't wait for the empty stream to flush.
				synthFinished = true
			}
			finishResponse()

		case done := <-s.synthDoneCh:
			if done.seq != s.responseSeq || done.filler {
				continue
			}
			if done.err != nil {
				s.logger.Warn("synthesis failed", "err", done.err)
			}
			synthFinished = true
			finishResponse()

		case <-s.ctx.Done():
			endSession("canceled")
		}
	}

	s.cancel()
	if s.deps.Sink != nil {
		summary := CallSummary{
			CallID:     s.deps.CallID,
			Caller:     s.deps.Caller,
			Callee:     s.deps.Callee,
			BusinessID: s.deps.BusinessID,
			StartedAt:  startedAt,
			EndedAt:    s.now(),
			EndReason:  endReason,
			Turns:      s.history,
		}
		sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.deps.Sink.CallEnded(sinkCtx, summary); err != nil {
			s.logger.Error("call sink failed", "err", err)
		}
		cancel()
	}
	s.logger.Info("session ended", "reason", endReason, "turns", len(s.history))
	return runErr
}

// generate runs the dialogue engine for one caller turn, feeding sentences
// into a synthesis stream as they complete.
func (s *Session) generate(ctx context.Context, seq int, responseID string, history []dialogue.Turn, turnStartedAt time.Time) {
	stream, err := s.deps.Synth.NewStream(ctx, synthesize.Config{
		ResponseID: responseID,
		Voice:      s.cfg.Voice,
		SampleRate: s.cfg.SampleRate,
	})
	if err != nil {
		s.postEngineDone(engineDone{seq: seq, err: fmt.Errorf("open synthesis: %w", err)})
		return
	}
	s.closeOnCancel(ctx, stream)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpAudio(stream, seq, false, turnStartedAt)
	}()

	emit := func(sentence string) {
		if err := stream.SendText(sentence, false); err != nil {
			s.logger.Debug("synthesis send failed", "err", err)
		}
		select {
		case s.sentenceCh <- sentenceEvent{seq: seq, text: sentence}:
		case <-ctx.Done():
		}
	}

	resp, err := s.deps.Engine.Respond(ctx, history, emit)
	if err == nil {
		err = ctx.Err()
	}
	_ = stream.SendText("", true)
	s.postEngineDone(engineDone{seq: seq, resp: resp, err: err})
}

// speakDirect synthesizes one fixed line outside the engine.
func (s *Session) speakDirect(ctx context.Context, seq int, responseID, text string, filler bool, turnStartedAt time.Time) {
	stream, err := s.deps.Synth.NewStream(ctx, synthesize.Config{
		ResponseID: responseID,
		Voice:      s.cfg.Voice,
		SampleRate: s.cfg.SampleRate,
	})
	if err != nil {
		s.logger.Error("open synthesis failed", "err", err)
		s.postSynthDone(synthDone{seq: seq, filler: filler, err: err})
		return
	}
	s.closeOnCancel(ctx, stream)
	if err := stream.SendText(text, true); err != nil {
		s.logger.Debug("synthesis send failed", "err", err)
	}
	s.pumpAudio(stream, seq, filler, turnStartedAt)
}

// pumpAudio forwards synthesized chunks to the media leg and reports stream
// completion back to the loop.
func (s *Session) pumpAudio(stream synthesize.Stream, seq int, filler bool, turnStartedAt time.Time) {
	first := true
	for chunk := range stream.Chunks() {
		if first {
			first = false
			if !turnStartedAt.IsZero() {
				s.deps.Metrics.RecordFirstAudioLatency(s.now().Sub(turnStartedAt))
			}
		}
		if len(chunk.PCM) == 0 {
			continue
		}
		if err := s.deps.Media.WriteAudio(chunk.ResponseID, chunk.PCM); err != nil {
			break
		}
	}
	<-stream.Done()
	err := stream.Err()
	s.postSynthDone(synthDone{seq: seq, filler: filler, completed: err == nil, err: err})
}

// closeOnCancel tears a synthesis stream down as soon as its turn context
// is canceled, so barge-in stops audio production and not just delivery.
func (s *Session) closeOnCancel(ctx context.Context, stream synthesize.Stream) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-stream.Done():
			_ = stream.Close()
		}
	}()
}

func (s *Session) postEngineDone(ev engineDone) {
	select {
	case s.engineDoneCh <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) postSynthDone(ev synthDone) {
	select {
	case s.synthDoneCh <- ev:
	case <-s.ctx.Done():
	}
}
