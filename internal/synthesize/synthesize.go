// Package synthesize streams agent text to a text-to-speech engine and
// surfaces audio chunks tagged with the response they belong to.
package synthesize

import "context"

// Chunk is one piece of synthesized audio. ResponseID identifies the agent
// response the audio belongs to; stale chunks are dropped downstream by ID.
type Chunk struct {
	ResponseID string
	PCM        []byte
	Final      bool
}

// Config describes one synthesis stream.
type Config struct {
	ResponseID string
	Voice      string
	SampleRate int
}

// Stream is one live synthesis context. Text is pushed incrementally with
// SendText; passing final=true flushes the remainder and ends the stream.
// First audio typically arrives before the full response text is sent.
// Chunks is closed when the stream ends; Err reports a stream failure after
// Done is closed. Close cancels synthesis immediately.
type Stream interface {
	SendText(text string, final bool) error
	Chunks() <-chan Chunk
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Provider opens synthesis streams.
type Provider interface {
	Name() string
	NewStream(ctx context.Context, cfg Config) (Stream, error)
}
