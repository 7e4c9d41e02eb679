package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultDeepgramWSBase = "wss://api.deepgram.com/v1/listen"

// DeepgramProvider implements Provider using Deepgram's live streaming API.
type DeepgramProvider struct {
	apiKey    string
	wsBaseURL string
}

// NewDeepgram creates a Deepgram live transcription provider.
func NewDeepgram(apiKey, wsBaseURL string) *DeepgramProvider {
	if strings.TrimSpace(wsBaseURL) == "" {
		wsBaseURL = defaultDeepgramWSBase
	}
	return &DeepgramProvider{apiKey: apiKey, wsBaseURL: wsBaseURL}
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// NewSession opens a live transcription WebSocket.
func (p *DeepgramProvider) NewSession(ctx context.Context, cfg Config) (Session, error) {
	u, err := url.Parse(p.wsBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	q := u.Query()

	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	q.Set("model", model)

	language := cfg.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))

	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	q.Set("channels", fmt.Sprintf("%d", channels))

	endpointMs := cfg.EndpointMs
	if endpointMs <= 0 {
		endpointMs = 650
	}
	q.Set("endpointing", fmt.Sprintf("%d", endpointMs))

	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramSession{
		conn:      conn,
		fragments: make(chan Fragment, 100),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	go s.readLoop()
	go s.keepAliveLoop()

	return s, nil
}

type deepgramSession struct {
	conn      *websocket.Conn
	fragments chan Fragment
	done      chan struct{}
	closed    atomic.Bool
	writeMu   sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc

	utterCounter int64
	segments     []string // stabilized segments of the open utterance
}

type deepgramResult struct {
	Type    string `json:"type"` // "Results", "Metadata", "UtteranceEnd", "Error"
	IsFinal bool   `json:"is_final"`
	// SpeechFinal marks the endpointing silence threshold being reached.
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *deepgramSession) readLoop() {
	defer func() {
		close(s.fragments)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.emit(Fragment{UtteranceID: s.currentUtteranceID(), Err: fmt.Errorf("stream read: %w", err)})
			return
		}

		var msg deepgramResult
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)

			switch {
			case msg.SpeechFinal:
				full := s.assemble(text)
				id := s.currentUtteranceID()
				s.segments = nil
				s.utterCounter++
				if full == "" {
					continue
				}
				if !s.emit(Fragment{UtteranceID: id, Text: full, Final: true}) {
					return
				}
			case msg.IsFinal:
				// Stabilized segment of an utterance that is still open.
				if text != "" {
					s.segments = append(s.segments, text)
				}
				if full := s.assemble(""); full != "" {
					if !s.emit(Fragment{UtteranceID: s.currentUtteranceID(), Text: full}) {
						return
					}
				}
			default:
				if full := s.assemble(text); full != "" {
					if !s.emit(Fragment{UtteranceID: s.currentUtteranceID(), Text: full}) {
						return
					}
				}
			}

		case "Error":
			reason := strings.TrimSpace(msg.Description)
			if reason == "" {
				reason = strings.TrimSpace(msg.Message)
			}
			if reason == "" {
				reason = "transcription engine error"
			}
			s.emit(Fragment{UtteranceID: s.currentUtteranceID(), Err: fmt.Errorf("deepgram: %s", reason)})
			return
		}
	}
}

// assemble joins stabilized segments with the trailing (possibly interim) text.
func (s *deepgramSession) assemble(tail string) string {
	parts := make([]string, 0, len(s.segments)+1)
	parts = append(parts, s.segments...)
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (s *deepgramSession) currentUtteranceID() string {
	return fmt.Sprintf("u_%d", s.utterCounter+1)
}

func (s *deepgramSession) emit(f Fragment) bool {
	select {
	case s.fragments <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *deepgramSession) keepAliveLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
		}
	}
}

// SendAudio forwards PCM audio to the recognizer.
func (s *deepgramSession) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Fragments returns the channel of utterance fragments.
func (s *deepgramSession) Fragments() <-chan Fragment {
	return s.fragments
}

// Close shuts down the stream.
func (s *deepgramSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.cancel()
	return s.conn.Close()
}
