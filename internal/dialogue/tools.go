package dialogue

import (
	"context"
	"fmt"
	"strings"

	"github.com/elevoi/voicegate/internal/booking"
	"github.com/elevoi/voicegate/internal/llm"
)

const (
	toolCheckAvailability = "check_availability"
	toolBookAppointment   = "book_appointment"
	toolEndCall           = "end_call"
)

// BookingClient is the subset of the booking adapter the engine needs.
type BookingClient interface {
	CheckAvailability(ctx context.Context, req booking.AvailabilityRequest) (*booking.Availability, error)
	CreateBooking(ctx context.Context, req booking.BookingRequest) (*booking.Confirmation, error)
}

func agentTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolCheckAvailability,
			Description: "Check if an appointment slot is available",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date": map[string]any{"type": "string", "description": "Date in YYYY-MM-DD format"},
					"time": map[string]any{"type": "string", "description": "Time in HH:MM format (24-hour)"},
				},
				"required": []string{"date", "time"},
			},
		},
		{
			Name:        toolBookAppointment,
			Description: "Book an appointment for the customer",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"date":           map[string]any{"type": "string", "description": "Date in YYYY-MM-DD format"},
					"time":           map[string]any{"type": "string", "description": "Time in HH:MM format (24-hour)"},
					"service":        map[string]any{"type": "string", "description": "Service name (e.g., 'Haircut', 'Massage')"},
					"customer_name":  map[string]any{"type": "string", "description": "Customer's full name"},
					"customer_phone": map[string]any{"type": "string", "description": "Customer's phone number"},
				},
				"required": []string{"date", "time", "service", "customer_name"},
			},
		},
		{
			Name:        toolEndCall,
			Description: "End the call. Only use after the booking is confirmed (or the caller is done) and you have said goodbye.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

// executeTool runs one tool call and returns the result text the model will
// see. Failures are folded into spoken-style results rather than errors so
// the conversation can recover.
func (e *Engine) executeTool(ctx context.Context, call llm.ToolCall) (result string, endCall bool) {
	switch strings.ToLower(strings.TrimSpace(call.Name)) {
	case toolCheckAvailability:
		return e.runCheckAvailability(ctx, call), false
	case toolBookAppointment:
		return e.runBookAppointment(ctx, call), false
	case toolEndCall:
		return "Call ended.", true
	default:
		return fmt.Sprintf("Unknown tool %q.", call.Name), false
	}
}

func (e *Engine) runCheckAvailability(ctx context.Context, call llm.ToolCall) string {
	var args struct {
		Date string `json:"date"`
		Time string `json:"time"`
	}
	if err := call.DecodeArguments(&args); err != nil || args.Date == "" || args.Time == "" {
		return "Invalid arguments: date and time are required."
	}

	avail, err := e.bookings.CheckAvailability(ctx, booking.AvailabilityRequest{
		Date:       args.Date,
		Time:       args.Time,
		BusinessID: e.opts.BusinessID,
	})
	if err != nil {
		if booking.IsRejection(err) {
			return fmt.Sprintf("The booking system declined the request: %s", err.Error())
		}
		e.logger.Warn("availability check failed", "err", err)
		return "I'm having trouble checking availability. Let me transfer you to our staff."
	}

	if avail.Available {
		return fmt.Sprintf("Yes, %s at %s is available. Would you like to book it?", args.Date, args.Time)
	}
	if len(avail.Alternatives) > 0 {
		alts := avail.Alternatives
		if len(alts) > 3 {
			alts = alts[:3]
		}
		times := make([]string, len(alts))
		for i, a := range alts {
			times[i] = a.Time
		}
		return fmt.Sprintf("That time is not available. How about these times: %s?", strings.Join(times, ", "))
	}
	return "That time is not available. Would you like to try a different time?"
}

func (e *Engine) runBookAppointment(ctx context.Context, call llm.ToolCall) string {
	var args struct {
		Date          string `json:"date"`
		Time          string `json:"time"`
		Service       string `json:"service"`
		CustomerName  string `json:"customer_name"`
		CustomerPhone string `json:"customer_phone"`
	}
	if err := call.DecodeArguments(&args); err != nil || args.Date == "" || args.Time == "" || args.Service == "" {
		return "Invalid arguments: date, time and service are required."
	}
	if args.CustomerName == "" {
		args.CustomerName = "Unknown"
	}

	conf, err := e.bookings.CreateBooking(ctx, booking.BookingRequest{
		Date:          args.Date,
		Time:          args.Time,
		BusinessID:    e.opts.BusinessID,
		Service:       args.Service,
		CustomerName:  args.CustomerName,
		CustomerPhone: args.CustomerPhone,
	})
	if err != nil {
		if booking.IsRejection(err) {
			e.opts.Metrics.RecordBooking("rejected")
			return fmt.Sprintf("I couldn't book that appointment. %s", err.Error())
		}
		e.opts.Metrics.RecordBooking("error")
		e.logger.Warn("booking failed", "err", err)
		return "I'm having trouble booking the appointment right now. Let me transfer you to our staff."
	}

	e.opts.Metrics.RecordBooking("confirmed")
	return fmt.Sprintf("Great! Your %s appointment is confirmed for %s at %s. You'll receive a confirmation shortly.",
		conf.Service, conf.Date, conf.Time)
}
