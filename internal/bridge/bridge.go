// Package bridge carries the call's media leg over a WebSocket: inbound
// caller audio frames out to the pipeline, outbound synthesized audio back
// to the caller. Outbound chunks are tagged with the response they belong
// to so superseded audio can be dropped without tearing the leg down.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxCanceledResponseIDs = 64

// Frame is one inbound caller audio frame with its precomputed RMS energy.
type Frame struct {
	PCM    []byte
	Energy float64
}

// Conn is the subset of *websocket.Conn the bridge needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config holds bridge tunables.
type Config struct {
	MaxFrameBytes int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	QueueSize     int
}

type outChunk struct {
	responseID string
	pcm        []byte
}

// Bridge is one call's media leg. A single writer goroutine owns all
// outbound writes; the read loop owns all reads.
type Bridge struct {
	conn Conn
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	frames   chan Frame
	outbound chan outChunk
	done     chan struct{}

	canceledMu sync.Mutex
	canceled   map[string]struct{}
	order      []string

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// New wraps an upgraded media WebSocket. The read and write loops start
// immediately.
func New(ctx context.Context, conn Conn, cfg Config) *Bridge {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 8192
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		conn:     conn,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan Frame, 64),
		outbound: make(chan outChunk, cfg.QueueSize),
		done:     make(chan struct{}),
		canceled: make(map[string]struct{}),
	}

	conn.SetReadLimit(int64(cfg.MaxFrameBytes))

	go b.readLoop()
	go b.writeLoop()
	return b
}

// Frames returns the inbound caller audio channel. It is closed when the
// media leg disconnects.
func (b *Bridge) Frames() <-chan Frame {
	return b.frames
}

// Done is closed when the media leg has ended, for any reason.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err returns the terminal error of the leg, if any.
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// WriteAudio enqueues synthesized audio for the caller. Chunks whose
// response ID has been flushed are dropped silently.
func (b *Bridge) WriteAudio(responseID string, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if b.isCanceled(responseID) {
		return nil
	}
	select {
	case b.outbound <- outChunk{responseID: responseID, pcm: pcm}:
		return nil
	case <-b.ctx.Done():
		return errors.New("media leg closed")
	}
}

// Flush marks a response ID canceled: queued and future chunks carrying it
// are discarded before hitting the wire.
func (b *Bridge) Flush(responseID string) {
	if responseID == "" {
		return
	}
	b.canceledMu.Lock()
	defer b.canceledMu.Unlock()
	if _, ok := b.canceled[responseID]; ok {
		return
	}
	b.canceled[responseID] = struct{}{}
	b.order = append(b.order, responseID)
	if len(b.order) > maxCanceledResponseIDs {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.canceled, oldest)
	}
}

// Close tears the media leg down.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(b.cfg.WriteTimeout))
		_ = b.conn.Close()
	})
	return nil
}

func (b *Bridge) isCanceled(responseID string) bool {
	b.canceledMu.Lock()
	defer b.canceledMu.Unlock()
	_, ok := b.canceled[responseID]
	return ok
}

func (b *Bridge) setErr(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

func (b *Bridge) readLoop() {
	defer func() {
		close(b.frames)
		b.cancel()
	}()

	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				b.ctx.Err() == nil {
				b.setErr(fmt.Errorf("media read: %w", err))
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		frame := Frame{PCM: data, Energy: CalculateRMSEnergy(data)}
		select {
		case b.frames <- frame:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) writeLoop() {
	defer close(b.done)

	pingTicker := time.NewTicker(b.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			if err := b.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				b.setErr(fmt.Errorf("media ping: %w", err))
				b.cancel()
				return
			}
		case chunk := <-b.outbound:
			if b.isCanceled(chunk.responseID) {
				continue
			}
			if err := b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout)); err != nil {
				b.setErr(err)
				b.cancel()
				return
			}
			if err := b.conn.WriteMessage(websocket.BinaryMessage, chunk.pcm); err != nil {
				b.setErr(fmt.Errorf("media write: %w", err))
				b.cancel()
				return
			}
		}
	}
}
