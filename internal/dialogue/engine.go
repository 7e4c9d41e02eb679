package dialogue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/elevoi/voicegate/internal/llm"
	"github.com/elevoi/voicegate/internal/metrics"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultMaxToolCalls = 3

	// tooManyToolsReply is spoken when the model keeps calling tools past
	// the budget instead of answering the caller.
	tooManyToolsReply = "I'm sorry, I'm having trouble completing that right now. Let me transfer you to our staff."
)

// Options configure an Engine for one session.
type Options struct {
	Model        string
	BusinessID   string
	BusinessName string
	MaxToolCalls int
	Temperature  *float64
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Response is the outcome of one agent turn.
type Response struct {
	// Text is the full spoken reply, already emitted sentence by sentence.
	Text string
	// ToolTurns records every tool invocation made while producing the
	// reply, in execution order.
	ToolTurns []Turn
	// EndCall is set when the model invoked end_call; the session should
	// hang up after the reply finishes playing.
	EndCall bool
}

// Engine produces agent replies from the conversation history, invoking
// booking tools as the model requests them. One Engine serves one session
// and is not safe for concurrent Respond calls.
type Engine struct {
	client   llm.Client
	bookings BookingClient
	opts     Options
	logger   *slog.Logger
}

func NewEngine(client llm.Client, bookings BookingClient, opts Options) *Engine {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxToolCalls <= 0 {
		opts.MaxToolCalls = defaultMaxToolCalls
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, bookings: bookings, opts: opts, logger: logger}
}

// Respond generates the agent's reply to the current history. Sentences are
// passed to emit as soon as they are complete so synthesis can start before
// the model finishes. The returned Response carries the full text plus any
// tool turns to append to the history.
func (e *Engine) Respond(ctx context.Context, history []Turn, emit func(sentence string)) (*Response, error) {
	messages := e.buildMessages(history)
	resp := &Response{}
	toolCalls := 0

	buf := NewSentenceBuffer()
	var full strings.Builder
	say := func(s string) {
		if full.Len() > 0 {
			full.WriteString(" ")
		}
		full.WriteString(s)
		if emit != nil {
			emit(s)
		}
	}

	// One extra round lets the model phrase a reply after its last tool
	// result; beyond that we bail out rather than loop.
	maxRounds := e.opts.MaxToolCalls + 2
	for round := 0; round < maxRounds; round++ {
		stream, err := e.client.StreamChat(ctx, llm.ChatRequest{
			Model:       e.opts.Model,
			Messages:    messages,
			Tools:       agentTools(),
			Temperature: e.opts.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("chat stream: %w", err)
		}

		roundText, calls, err := e.drain(stream, buf, say)
		if err != nil {
			return nil, err
		}

		if len(calls) == 0 {
			resp.Text = full.String()
			return resp, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   roundText,
			ToolCalls: calls,
		})

		for _, call := range calls {
			if toolCalls >= e.opts.MaxToolCalls {
				e.logger.Warn("tool call budget exhausted", "budget", e.opts.MaxToolCalls)
				say(tooManyToolsReply)
				resp.Text = full.String()
				return resp, nil
			}
			toolCalls++

			result, endCall := e.executeTool(ctx, call)
			if endCall {
				resp.EndCall = true
			}
			resp.ToolTurns = append(resp.ToolTurns, Turn{
				Role:      RoleTool,
				Content:   result,
				ToolName:  call.Name,
				Timestamp: time.Now(),
			})
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	say(tooManyToolsReply)
	resp.Text = full.String()
	return resp, nil
}

// drain consumes one model stream, pushing text through the sentence buffer
// and returning the round's full text plus any tool calls.
func (e *Engine) drain(stream llm.Stream, buf *SentenceBuffer, say func(string)) (string, []llm.ToolCall, error) {
	defer stream.Close()

	var text strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("chat recv: %w", err)
		}
		if delta.Text == "" {
			continue
		}
		text.WriteString(delta.Text)
		if sentence := buf.Add(delta.Text); sentence != "" {
			say(sentence)
		}
	}
	if tail := buf.Flush(); tail != "" {
		say(tail)
	}
	return text.String(), stream.ToolCalls(), nil
}

// buildMessages maps the session history onto chat messages. Tool turns are
// skipped: they only make sense paired with the assistant tool-call message
// that triggered them, which lives inside a single Respond round.
func (e *Engine) buildMessages(history []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt(e.opts.BusinessName)})
	for _, t := range history {
		switch t.Role {
		case RoleCaller:
			messages = append(messages, llm.Message{Role: "user", Content: t.Content})
		case RoleAgent:
			content := t.Content
			if t.Interrupted {
				content += " [interrupted by caller]"
			}
			if content != "" {
				messages = append(messages, llm.Message{Role: "assistant", Content: content})
			}
		}
	}
	return messages
}
