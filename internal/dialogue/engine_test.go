package dialogue

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/elevoi/voicegate/internal/booking"
	"github.com/elevoi/voicegate/internal/llm"
)

type scriptedStream struct {
	deltas []string
	calls  []llm.ToolCall
	pos    int
}

func (s *scriptedStream) Recv() (llm.Delta, error) {
	if s.pos >= len(s.deltas) {
		return llm.Delta{}, io.EOF
	}
	d := llm.Delta{Text: s.deltas[s.pos]}
	s.pos++
	return d, nil
}

func (s *scriptedStream) ToolCalls() []llm.ToolCall { return s.calls }
func (s *scriptedStream) FinishReason() string {
	if len(s.calls) > 0 {
		return "tool_calls"
	}
	return "stop"
}
func (s *scriptedStream) Close() error { return nil }

// scriptedClient plays back one stream per StreamChat call and records the
// requests it received.
type scriptedClient struct {
	streams  []*scriptedStream
	requests []llm.ChatRequest
}

func (c *scriptedClient) StreamChat(_ context.Context, req llm.ChatRequest) (llm.Stream, error) {
	c.requests = append(c.requests, req)
	if len(c.streams) == 0 {
		return &scriptedStream{}, nil
	}
	s := c.streams[0]
	c.streams = c.streams[1:]
	return s, nil
}

type fakeBookings struct {
	avail    *booking.Availability
	availErr error
	conf     *booking.Confirmation
	confErr  error

	availReqs []booking.AvailabilityRequest
	bookReqs  []booking.BookingRequest
}

func (f *fakeBookings) CheckAvailability(_ context.Context, req booking.AvailabilityRequest) (*booking.Availability, error) {
	f.availReqs = append(f.availReqs, req)
	return f.avail, f.availErr
}

func (f *fakeBookings) CreateBooking(_ context.Context, req booking.BookingRequest) (*booking.Confirmation, error) {
	f.bookReqs = append(f.bookReqs, req)
	return f.conf, f.confErr
}

func TestRespondPlainText(t *testing.T) {
	client := &scriptedClient{streams: []*scriptedStream{
		{deltas: []string{"What service", " would you like?"}},
	}}
	e := NewEngine(client, &fakeBookings{}, Options{BusinessName: "Bella's Salon"})

	var emitted []string
	resp, err := e.Respond(context.Background(), []Turn{
		{Role: RoleCaller, Content: "Hi, I'd like an appointment"},
	}, func(s string) { emitted = append(emitted, s) })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "What service would you like?" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.EndCall || len(resp.ToolTurns) != 0 {
		t.Fatalf("unexpected tool activity: %+v", resp)
	}
	if len(emitted) == 0 || strings.Join(emitted, " ") != resp.Text {
		t.Fatalf("emitted sentences %v do not reassemble to %q", emitted, resp.Text)
	}

	// System prompt carries the business name; history maps to user role.
	req := client.requests[0]
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "Bella's Salon") {
		t.Fatalf("bad system message: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "user" {
		t.Fatalf("expected user message, got %+v", req.Messages[1])
	}
}

func TestRespondToolRound(t *testing.T) {
	client := &scriptedClient{streams: []*scriptedStream{
		{calls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "check_availability",
			Arguments: `{"date":"2026-09-01","time":"14:00"}`,
		}}},
		{deltas: []string{"Yes, that slot is open."}},
	}}
	bookings := &fakeBookings{avail: &booking.Availability{Available: true}}
	e := NewEngine(client, bookings, Options{BusinessID: "biz-7"})

	resp, err := e.Respond(context.Background(), []Turn{
		{Role: RoleCaller, Content: "Tuesday at 2pm?"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bookings.availReqs) != 1 || bookings.availReqs[0].Date != "2026-09-01" {
		t.Fatalf("availability not checked: %+v", bookings.availReqs)
	}
	if bookings.availReqs[0].BusinessID != "biz-7" {
		t.Fatalf("availability request missing business id: %+v", bookings.availReqs[0])
	}
	if len(resp.ToolTurns) != 1 {
		t.Fatalf("expected one tool turn, got %d", len(resp.ToolTurns))
	}
	tt := resp.ToolTurns[0]
	if tt.Role != RoleTool || tt.ToolName != "check_availability" {
		t.Fatalf("bad tool turn: %+v", tt)
	}
	if !strings.Contains(tt.Content, "available") {
		t.Fatalf("tool result not voiced: %q", tt.Content)
	}
	if resp.Text != "Yes, that slot is open." {
		t.Fatalf("unexpected text %q", resp.Text)
	}

	// The second request replays the assistant tool call and its result.
	second := client.requests[1]
	var sawToolMsg bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Fatalf("tool result missing from follow-up request: %+v", second.Messages)
	}
}

func TestRespondBooksAppointment(t *testing.T) {
	client := &scriptedClient{streams: []*scriptedStream{
		{calls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "book_appointment",
			Arguments: `{"date":"2026-09-01","time":"14:00","service":"Haircut","customer_name":"Ana Lopez"}`,
		}}},
		{deltas: []string{"You're all set for Tuesday at 2pm!"}},
	}}
	bookings := &fakeBookings{conf: &booking.Confirmation{
		ConfirmationID: "abc123", Date: "2026-09-01", Time: "14:00", Service: "Haircut",
	}}
	e := NewEngine(client, bookings, Options{BusinessID: "biz-7"})

	resp, err := e.Respond(context.Background(), []Turn{
		{Role: RoleCaller, Content: "Book it, my name is Ana Lopez"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bookings.bookReqs) != 1 || bookings.bookReqs[0].CustomerName != "Ana Lopez" {
		t.Fatalf("booking not placed: %+v", bookings.bookReqs)
	}
	if bookings.bookReqs[0].BusinessID != "biz-7" {
		t.Fatalf("booking request missing business id: %+v", bookings.bookReqs[0])
	}
	if !strings.Contains(resp.ToolTurns[0].Content, "confirmed") {
		t.Fatalf("confirmation not voiced: %q", resp.ToolTurns[0].Content)
	}
}

func TestRespondToolBudget(t *testing.T) {
	// The model keeps asking for tools and never produces text.
	loop := func() *scriptedStream {
		return &scriptedStream{calls: []llm.ToolCall{{
			ID:        "call_x",
			Name:      "check_availability",
			Arguments: `{"date":"2026-09-01","time":"14:00"}`,
		}}}
	}
	client := &scriptedClient{streams: []*scriptedStream{loop(), loop(), loop(), loop(), loop(), loop()}}
	bookings := &fakeBookings{avail: &booking.Availability{}}
	e := NewEngine(client, bookings, Options{MaxToolCalls: 2})

	resp, err := e.Respond(context.Background(), []Turn{{Role: RoleCaller, Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bookings.availReqs) != 2 {
		t.Fatalf("expected exactly 2 tool calls, got %d", len(bookings.availReqs))
	}
	if !strings.Contains(resp.Text, "transfer you to our staff") {
		t.Fatalf("expected fallback reply, got %q", resp.Text)
	}
}

func TestRespondEndCall(t *testing.T) {
	client := &scriptedClient{streams: []*scriptedStream{
		{deltas: []string{"Goodbye!"}, calls: []llm.ToolCall{{ID: "call_1", Name: "end_call", Arguments: "{}"}}},
		{},
	}}
	e := NewEngine(client, &fakeBookings{}, Options{})

	resp, err := e.Respond(context.Background(), []Turn{{Role: RoleCaller, Content: "bye"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.EndCall {
		t.Fatal("expected EndCall to be set")
	}
	if !strings.Contains(resp.Text, "Goodbye!") {
		t.Fatalf("goodbye text lost: %q", resp.Text)
	}
}

func TestRespondInterruptedHistoryMarked(t *testing.T) {
	client := &scriptedClient{streams: []*scriptedStream{
		{deltas: []string{"As I was saying."}},
	}}
	e := NewEngine(client, &fakeBookings{}, Options{})

	_, err := e.Respond(context.Background(), []Turn{
		{Role: RoleCaller, Content: "when are you open"},
		{Role: RoleAgent, Content: "We are open from", Interrupted: true},
		{Role: RoleCaller, Content: "sorry, go on"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	req := client.requests[0]
	var found bool
	for _, m := range req.Messages {
		if m.Role == "assistant" && strings.Contains(m.Content, "[interrupted by caller]") {
			found = true
		}
	}
	if !found {
		t.Fatalf("interrupted turn not marked: %+v", req.Messages)
	}
}
