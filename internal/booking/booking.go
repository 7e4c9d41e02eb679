// Package booking adapts the external appointment-booking HTTP API for the
// dialogue engine's tool calls.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Slot is one bookable appointment time.
type Slot struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// AvailabilityRequest asks whether a slot is open.
type AvailabilityRequest struct {
	Date       string // YYYY-MM-DD
	Time       string // HH:MM, 24-hour
	BusinessID string
}

// Availability is the backend's answer, with alternatives when the slot is taken.
type Availability struct {
	Available    bool   `json:"available"`
	Alternatives []Slot `json:"alternatives,omitempty"`
}

// BookingRequest creates an appointment.
type BookingRequest struct {
	Date          string `json:"date"`
	Time          string `json:"time"`
	BusinessID    string `json:"businessId,omitempty"`
	Service       string `json:"service"`
	CustomerName  string `json:"customerName"`
	CustomerPhone string `json:"customerPhone,omitempty"`
}

// Confirmation is a successful booking result.
type Confirmation struct {
	ConfirmationID string `json:"confirmationId,omitempty"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Service        string `json:"service"`
}

// RejectionError is a definitive backend refusal. It is never retried; the
// dialogue engine voices it to the caller.
type RejectionError struct {
	Code    string // "slot_taken", "invalid_request", "rejected"
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// IsRejection reports whether err is a definitive booking rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// Client calls the booking backend. Transient failures (network errors, 5xx)
// get a single retry with backoff; CreateBooking sends the same idempotency
// key on the retry so the backend cannot double-book.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	backoff    time.Duration
	newKey     func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the delay before the single retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithKeyFunc overrides idempotency key generation.
func WithKeyFunc(f func() string) Option {
	return func(c *Client) { c.newKey = f }
}

// NewClient creates a booking client.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{},
		backoff:    250 * time.Millisecond,
		newKey:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAvailability reports whether the requested slot is open.
func (c *Client) CheckAvailability(ctx context.Context, req AvailabilityRequest) (*Availability, error) {
	q := url.Values{}
	q.Set("date", req.Date)
	q.Set("time", req.Time)
	if req.BusinessID != "" {
		q.Set("businessId", req.BusinessID)
	}
	endpoint := c.baseURL + "/api/appointments/availability?" + q.Encode()

	var out Availability
	err := c.do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		c.setHeaders(httpReq, "")
		return c.execute(httpReq, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBooking books an appointment. The idempotency key is generated once
// per call and reused if the request is retried.
func (c *Client) CreateBooking(ctx context.Context, req BookingRequest) (*Confirmation, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal booking request: %w", err)
	}
	endpoint := c.baseURL + "/api/appointments/book"
	idempotencyKey := c.newKey()

	var out Confirmation
	err = c.do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
		if err != nil {
			return err
		}
		c.setHeaders(httpReq, idempotencyKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return c.execute(httpReq, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.Date == "" {
		out.Date = req.Date
	}
	if out.Time == "" {
		out.Time = req.Time
	}
	if out.Service == "" {
		out.Service = req.Service
	}
	return &out, nil
}

// do runs fn with the per-attempt timeout and at most one retry on
// transient failure.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(attemptCtx)
	})
}

func (c *Client) setHeaders(req *http.Request, idempotencyKey string) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
}

// execute performs the request and classifies the outcome: network errors
// and 5xx are retryable, 4xx is a definitive rejection.
func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("booking request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return retry.RetryableError(fmt.Errorf("read booking response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse booking response: %w", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("booking backend error %d", resp.StatusCode))
	default:
		return rejectionFromResponse(resp.StatusCode, body)
	}
}

func rejectionFromResponse(status int, body []byte) *RejectionError {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := strings.TrimSpace(payload.Error)

	code := "rejected"
	switch status {
	case http.StatusConflict:
		code = "slot_taken"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = "invalid_request"
	}
	if msg == "" {
		msg = fmt.Sprintf("booking rejected (status %d)", status)
	}
	return &RejectionError{Code: code, Message: msg}
}
