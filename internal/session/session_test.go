package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elevoi/voicegate/internal/bridge"
	"github.com/elevoi/voicegate/internal/dialogue"
	"github.com/elevoi/voicegate/internal/synthesize"
	"github.com/elevoi/voicegate/internal/transcribe"
)

type mediaWrite struct {
	responseID string
	pcm        string
}

type fakeMedia struct {
	mu      sync.Mutex
	frames  chan bridge.Frame
	done    chan struct{}
	once    sync.Once
	writes  []mediaWrite
	flushed map[string]bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		frames:  make(chan bridge.Frame, 64),
		done:    make(chan struct{}),
		flushed: make(map[string]bool),
	}
}

func (m *fakeMedia) Frames() <-chan bridge.Frame { return m.frames }
func (m *fakeMedia) Done() <-chan struct{}       { return m.done }
func (m *fakeMedia) Err() error                  { return nil }

func (m *fakeMedia) WriteAudio(responseID string, pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushed[responseID] {
		return nil
	}
	m.writes = append(m.writes, mediaWrite{responseID: responseID, pcm: string(pcm)})
	return nil
}

func (m *fakeMedia) Flush(responseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed[responseID] = true
}

func (m *fakeMedia) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *fakeMedia) snapshot() []mediaWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mediaWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *fakeMedia) isFlushed(responseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed[responseID]
}

type fakeSTT struct {
	fragments chan transcribe.Fragment
}

func (s *fakeSTT) SendAudio([]byte) error                { return nil }
func (s *fakeSTT) Fragments() <-chan transcribe.Fragment { return s.fragments }
func (s *fakeSTT) Close() error                          { return nil }

type fakeTranscriber struct{ session *fakeSTT }

func (p *fakeTranscriber) Name() string { return "fake-stt" }

func (p *fakeTranscriber) NewSession(context.Context, transcribe.Config) (transcribe.Session, error) {
	return p.session, nil
}

// fakeSynth echoes text back as audio bytes so tests can match what was
// "spoken" per response ID.
type fakeSynth struct{}

func (fakeSynth) Name() string { return "fake-tts" }

func (fakeSynth) NewStream(_ context.Context, cfg synthesize.Config) (synthesize.Stream, error) {
	return &fakeStream{
		id:     cfg.ResponseID,
		chunks: make(chan synthesize.Chunk, 64),
		done:   make(chan struct{}),
	}, nil
}

type fakeStream struct {
	id     string
	mu     sync.Mutex
	closed bool
	chunks chan synthesize.Chunk
	done   chan struct{}
}

func (s *fakeStream) SendText(text string, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if text != "" {
		s.chunks <- synthesize.Chunk{ResponseID: s.id, PCM: []byte(text)}
	}
	if final {
		s.finishLocked()
	}
	return nil
}

func (s *fakeStream) finishLocked() {
	s.closed = true
	close(s.chunks)
	close(s.done)
}

func (s *fakeStream) Chunks() <-chan synthesize.Chunk { return s.chunks }
func (s *fakeStream) Done() <-chan struct{}           { return s.done }
func (s *fakeStream) Err() error                      { return nil }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.finishLocked()
	}
	return nil
}

type fakeEngine struct {
	respond func(ctx context.Context, history []dialogue.Turn, emit func(string)) (*dialogue.Response, error)
}

func (e *fakeEngine) Respond(ctx context.Context, history []dialogue.Turn, emit func(string)) (*dialogue.Response, error) {
	return e.respond(ctx, history, emit)
}

type fakeSink struct {
	mu      sync.Mutex
	summary *CallSummary
}

func (s *fakeSink) CallEnded(_ context.Context, summary CallSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = &summary
	return nil
}

func newTestSession(t *testing.T, engine Responder, cfg Config) (*Session, *fakeMedia, *fakeSTT, *fakeSink) {
	t.Helper()
	media := newFakeMedia()
	stt := &fakeSTT{fragments: make(chan transcribe.Fragment, 16)}
	sink := &fakeSink{}
	s, err := New(Deps{
		CallID:      "call-1",
		Caller:      "+15550100",
		Callee:      "+15550111",
		Media:       media,
		Transcriber: &fakeTranscriber{session: stt},
		Synth:       fakeSynth{},
		Engine:      engine,
		Sink:        sink,
		Config:      cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, media, stt, sink
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func loudFrame(bytes int) bridge.Frame {
	pcm := make([]byte, bytes)
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x40 // 16384, RMS 0.5
	}
	return bridge.Frame{PCM: pcm, Energy: bridge.CalculateRMSEnergy(pcm)}
}

func hasWrite(writes []mediaWrite, responseID, substr string) bool {
	for _, w := range writes {
		if (responseID == "" || w.responseID == responseID) && strings.Contains(w.pcm, substr) {
			return true
		}
	}
	return false
}

func TestGreetingThenTurnFlow(t *testing.T) {
	engine := &fakeEngine{respond: func(_ context.Context, history []dialogue.Turn, emit func(string)) (*dialogue.Response, error) {
		if history[len(history)-1].Role != dialogue.RoleCaller {
			t.Errorf("last history turn should be the caller, got %+v", history[len(history)-1])
		}
		emit("You're booked for 2pm tomorrow.")
		return &dialogue.Response{Text: "You're booked for 2pm tomorrow."}, nil
	}}
	s, media, stt, _ := newTestSession(t, engine, Config{Greeting: "Hello! How can I help you today?"})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "r_1", "Hello!")
	}, "greeting audio")

	stt.fragments <- transcribe.Fragment{UtteranceID: "u_1", Text: "Book me for 2pm tomorrow", Final: true}

	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "r_2", "You're booked")
	}, "response audio")

	media.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	turns := s.History()
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(turns), turns)
	}
	if turns[0].Role != dialogue.RoleAgent || !strings.Contains(turns[0].Content, "Hello!") {
		t.Fatalf("greeting turn missing: %+v", turns[0])
	}
	if turns[1].Role != dialogue.RoleCaller || turns[2].Role != dialogue.RoleAgent {
		t.Fatalf("turn roles out of order: %+v", turns)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Seq <= turns[i-1].Seq {
			t.Fatalf("history sequence not strictly increasing: %+v", turns)
		}
	}
	if s.State() != StateEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}
}

func TestBargeInFlushesStaleAudio(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{respond: func(ctx context.Context, _ []dialogue.Turn, emit func(string)) (*dialogue.Response, error) {
		emit("We have openings on Monday,")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &dialogue.Response{Text: "unreachable"}, nil
		}
	}}
	s, media, stt, _ := newTestSession(t, engine, Config{
		BargeInEnergy:   0.05,
		BargeInDebounce: 100 * time.Millisecond,
	})
	defer close(release)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	stt.fragments <- transcribe.Fragment{UtteranceID: "u_1", Text: "When are you open", Final: true}
	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "r_1", "openings on Monday")
	}, "agent speech")

	// 20ms loud frames at 16kHz mono past the debounce window.
	frame := loudFrame(640)
	for i := 0; i < 8; i++ {
		media.frames <- frame
	}

	waitFor(t, func() bool { return media.isFlushed("r_1") }, "stale response flush")

	before := len(media.snapshot())
	media.frames <- frame
	time.Sleep(20 * time.Millisecond)
	for _, w := range media.snapshot()[before:] {
		if w.responseID == "r_1" {
			t.Fatalf("stale audio delivered after barge-in: %+v", w)
		}
	}

	media.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}

	var interrupted *dialogue.Turn
	for i := range s.History() {
		if s.History()[i].Role == dialogue.RoleAgent {
			interrupted = &s.History()[i]
		}
	}
	if interrupted == nil || !interrupted.Interrupted {
		t.Fatalf("expected truncated agent turn, got %+v", s.History())
	}
	if !strings.Contains(interrupted.Content, "openings on Monday") {
		t.Fatalf("truncated turn missing spoken prefix: %+v", interrupted)
	}
}

func TestSupersededResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	engine := &fakeEngine{respond: func(ctx context.Context, _ []dialogue.Turn, emit func(string)) (*dialogue.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// Slow first turn: finishes only after being superseded, and
			// ignores cancellation on purpose.
			<-release
			emit("stale answer")
			return &dialogue.Response{Text: "stale answer"}, nil
		}
		emit("fresh answer.")
		return &dialogue.Response{Text: "fresh answer."}, nil
	}}
	s, media, stt, _ := newTestSession(t, engine, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	stt.fragments <- transcribe.Fragment{UtteranceID: "u_1", Text: "first question", Final: true}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "first generation start")

	// Second utterance supersedes the first response before it produced
	// anything.
	stt.fragments <- transcribe.Fragment{UtteranceID: "u_2", Text: "never mind, second question", Final: true}
	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "", "fresh answer")
	}, "fresh response audio")

	close(release)
	time.Sleep(50 * time.Millisecond)

	if hasWrite(media.snapshot(), "", "stale answer") {
		t.Fatalf("superseded response produced audio: %+v", media.snapshot())
	}

	media.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, turn := range s.History() {
		if strings.Contains(turn.Content, "stale answer") {
			t.Fatalf("superseded response reached history: %+v", s.History())
		}
	}
}

func TestFillerSpokenWhenThinkingIsSlow(t *testing.T) {
	proceed := make(chan struct{})
	engine := &fakeEngine{respond: func(ctx context.Context, _ []dialogue.Turn, emit func(string)) (*dialogue.Response, error) {
		select {
		case <-proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		emit("Found it.")
		return &dialogue.Response{Text: "Found it."}, nil
	}}
	s, media, stt, _ := newTestSession(t, engine, Config{
		LatencyBudget: 30 * time.Millisecond,
		FillerText:    "Let me check that for you.",
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	stt.fragments <- transcribe.Fragment{UtteranceID: "u_1", Text: "anything at noon", Final: true}

	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "r_1_fill", "Let me check")
	}, "filler audio")

	close(proceed)
	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "r_1", "Found it.")
	}, "main response audio")

	media.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	_ = s
}

func TestTranscriptionErrorReprompts(t *testing.T) {
	engine := &fakeEngine{respond: func(context.Context, []dialogue.Turn, func(string)) (*dialogue.Response, error) {
		t.Error("engine should not run for a failed utterance")
		return &dialogue.Response{}, nil
	}}
	s, media, stt, _ := newTestSession(t, engine, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	stt.fragments <- transcribe.Fragment{UtteranceID: "u_1", Err: fmt.Errorf("engine reset")}

	waitFor(t, func() bool {
		return hasWrite(media.snapshot(), "", "didn't catch that")
	}, "re-prompt audio")

	media.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	turns := s.History()
	if len(turns) != 1 || turns[0].Role != dialogue.RoleAgent {
		t.Fatalf("expected only the re-prompt turn, got %+v", turns)
	}
}

func TestAgentHangupEndsSession(t *testing.T) {
	engine := &fakeEngine{respond: func(_ context.Context, _ []dialogue.Turn, emit func(string)) (*dialogue.Response, error) {
		emit("Goodbye!")
		return &dialogue.Response{Text: "Goodbye!", EndCall: true}, nil
	}}
	s, media, stt, sink := newTestSession(t, engine, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	stt.fragments <- transcribe.Fragment{UtteranceID: "u_1", Text: "that's all, bye", Final: true}

	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.State() != StateEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}
	if !hasWrite(media.snapshot(), "r_1", "Goodbye!") {
		t.Fatalf("goodbye not spoken: %+v", media.snapshot())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.summary == nil {
		t.Fatal("sink did not receive the call")
	}
	if sink.summary.EndReason != "agent_hangup" {
		t.Fatalf("expected agent_hangup, got %q", sink.summary.EndReason)
	}
	if len(sink.summary.Turns) != 2 {
		t.Fatalf("expected caller + agent turns, got %+v", sink.summary.Turns)
	}
}
