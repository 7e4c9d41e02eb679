// Package events publishes call lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/elevoi/voicegate/internal/dialogue"
)

// CallEnded is the event emitted when a call finishes.
type CallEnded struct {
	CallID     string    `json:"call_id"`
	Caller     string    `json:"caller"`
	Callee     string    `json:"callee"`
	BusinessID string    `json:"business_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	EndReason  string    `json:"end_reason"`
	TurnCount  int       `json:"turn_count"`
	Turns      []Turn    `json:"turns"`
}

// Turn mirrors one history entry on the wire.
type Turn struct {
	Seq         int       `json:"seq"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ToolName    string    `json:"tool_name,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TurnsFromHistory converts session history for publishing.
func TurnsFromHistory(history []dialogue.Turn) []Turn {
	out := make([]Turn, 0, len(history))
	for _, t := range history {
		out = append(out, Turn{
			Seq:         t.Seq,
			Role:        string(t.Role),
			Content:     t.Content,
			ToolName:    t.ToolName,
			Interrupted: t.Interrupted,
			Timestamp:   t.Timestamp,
		})
	}
	return out
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher writes call events to one Kafka topic. With no brokers
// configured it runs in log-only mode and every publish succeeds.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		logger.Info("kafka disabled, events will only be logged")
		return &Publisher{topic: cfg.Topic, logger: logger}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info("kafka publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Publisher{writer: writer, topic: cfg.Topic, enabled: true, logger: logger}
}

// PublishCallEnded sends the call summary, keyed by call ID so all events
// for one call land on the same partition.
func (p *Publisher) PublishCallEnded(ctx context.Context, event CallEnded) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal call event: %w", err)
	}

	p.logger.Debug("publishing call event", "call_id", event.CallID, "topic", p.topic, "reason", event.EndReason)
	if !p.enabled {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(event.CallID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("call_ended")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka write failed", "call_id", event.CallID, "err", err)
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
