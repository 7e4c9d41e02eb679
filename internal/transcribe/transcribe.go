// Package transcribe streams caller audio to a speech-to-text engine and
// surfaces utterance fragments.
package transcribe

import "context"

// Fragment is one transcription update for an utterance.
// Partial fragments are advisory and may be revised; a Final fragment closes
// the utterance and its text is authoritative. A non-nil Err reports a
// mid-utterance engine failure; the utterance should be treated as an empty
// final by the consumer.
type Fragment struct {
	UtteranceID string
	Text        string
	Final       bool
	Err         error
}

// Config describes the inbound audio and recognition options.
type Config struct {
	Model      string
	Language   string
	Encoding   string // e.g. "linear16"
	SampleRate int
	Channels   int

	// EndpointMs is the trailing-silence duration that ends an utterance.
	EndpointMs int
}

// Session is one live transcription stream. Audio is pushed with SendAudio
// and fragments are read from Fragments. Fragments is closed when the
// session ends.
type Session interface {
	SendAudio(data []byte) error
	Fragments() <-chan Fragment
	Close() error
}

// Provider opens live transcription sessions.
type Provider interface {
	Name() string
	NewSession(ctx context.Context, cfg Config) (Session, error)
}
