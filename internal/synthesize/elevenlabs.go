package synthesize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

// ElevenLabsProvider implements Provider over the ElevenLabs stream-input
// WebSocket API. Each response gets its own connection so cancellation is a
// plain close.
type ElevenLabsProvider struct {
	apiKey    string
	voiceID   string
	wsBaseURL string
}

// NewElevenLabs creates an ElevenLabs streaming synthesis provider.
func NewElevenLabs(apiKey, voiceID, wsBaseURL string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, voiceID: voiceID, wsBaseURL: wsBaseURL}
}

// Name returns the provider identifier.
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// NewStream opens a synthesis stream for one agent response.
func (p *ElevenLabsProvider) NewStream(ctx context.Context, cfg Config) (Stream, error) {
	voice := cfg.Voice
	if strings.TrimSpace(voice) == "" {
		voice = p.voiceID
	}
	if strings.TrimSpace(voice) == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}
	wsURL, err := buildElevenLabsWSURL(p.wsBaseURL, voice, cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(p.apiKey))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &elevenLabsStream{
		conn:       conn,
		responseID: cfg.ResponseID,
		chunks:     make(chan Chunk, 256),
		done:       make(chan struct{}),
		quit:       make(chan struct{}),
	}

	// Opening message primes the stream before any response text arrives.
	if err := s.writeJSON(map[string]any{"text": " "}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("stream open: %w", err)
	}

	go s.readLoop()
	return s, nil
}

type elevenLabsStream struct {
	conn       *websocket.Conn
	responseID string

	writeMu sync.Mutex
	chunks  chan Chunk
	done    chan struct{}
	quit    chan struct{}
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

type elevenLabsMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SendText pushes response text. Trailing spaces keep word boundaries intact
// across messages; final=true ends the input and flushes remaining audio.
func (s *elevenLabsStream) SendText(text string, final bool) error {
	if s.closed.Load() {
		return fmt.Errorf("stream closed")
	}
	if final {
		if text != "" {
			if err := s.writeJSON(map[string]any{"text": padWord(text), "flush": true}); err != nil {
				return err
			}
		}
		return s.writeJSON(map[string]any{"text": ""})
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.writeJSON(map[string]any{"text": padWord(text)})
}

func (s *elevenLabsStream) Chunks() <-chan Chunk {
	return s.chunks
}

func (s *elevenLabsStream) Done() <-chan struct{} {
	return s.done
}

func (s *elevenLabsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close cancels synthesis. Any audio not yet delivered is discarded, and
// a readLoop blocked on the chunk buffer is released.
func (s *elevenLabsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.quit)
	return s.conn.Close()
}

func (s *elevenLabsStream) readLoop() {
	defer func() {
		close(s.chunks)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("stream read: %w", err))
			return
		}

		var msg elevenLabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			s.setErr(fmt.Errorf("elevenlabs: %s", strings.TrimSpace(msg.Error+" "+msg.Message)))
			return
		}

		var audio []byte
		if msg.Audio != "" {
			audio, err = decodeBase64Any(msg.Audio)
			if err != nil {
				s.setErr(fmt.Errorf("invalid audio base64"))
				return
			}
		}
		if len(audio) == 0 && !msg.IsFinal {
			continue
		}

		select {
		case s.chunks <- Chunk{ResponseID: s.responseID, PCM: audio, Final: msg.IsFinal}:
		case <-s.quit:
			return
		}
		if msg.IsFinal {
			return
		}
	}
}

func (s *elevenLabsStream) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(payload)
}

func (s *elevenLabsStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func padWord(text string) string {
	if !strings.HasSuffix(text, " ") {
		return text + " "
	}
	return text
}

func buildElevenLabsWSURL(base, voiceID string, sampleRate int) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultElevenLabsWSBase
	}
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", "eleven_flash_v2_5")
	}
	if q.Get("output_format") == "" {
		format := "pcm_16000"
		switch sampleRate {
		case 8000:
			format = "pcm_8000"
		case 22050:
			format = "pcm_22050"
		case 24000:
			format = "pcm_24000"
		}
		q.Set("output_format", format)
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	// ElevenLabs typically uses standard base64 but may omit padding.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}
