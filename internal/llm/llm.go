// Package llm implements a streaming client for OpenAI-compatible
// chat-completions endpoints, including tool calling.
package llm

import (
	"context"
	"encoding/json"
)

// Message is a single entry of the model conversation.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a function invocation requested by the model.
// Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// DecodeArguments unmarshals the call's argument object into dst.
func (c ToolCall) DecodeArguments(dst any) error {
	return json.Unmarshal([]byte(c.Arguments), dst)
}

// ChatRequest describes one model call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature *float64
	MaxTokens   int
}

// Delta is one streamed increment of the assistant response.
type Delta struct {
	Text string
}

// Stream is a single in-flight streaming chat completion.
// Text arrives via Recv; tool calls and the finish reason are available
// once Recv has returned io.EOF.
type Stream interface {
	Recv() (Delta, error)
	ToolCalls() []ToolCall
	FinishReason() string
	Close() error
}

// Client issues chat completions.
type Client interface {
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)
}
