// Package server exposes the HTTP surface: health, metrics, and the media
// WebSocket that carries each call.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elevoi/voicegate/internal/booking"
	"github.com/elevoi/voicegate/internal/bridge"
	"github.com/elevoi/voicegate/internal/config"
	"github.com/elevoi/voicegate/internal/dialogue"
	"github.com/elevoi/voicegate/internal/events"
	"github.com/elevoi/voicegate/internal/llm"
	"github.com/elevoi/voicegate/internal/metrics"
	"github.com/elevoi/voicegate/internal/session"
	"github.com/elevoi/voicegate/internal/store"
	"github.com/elevoi/voicegate/internal/synthesize"
	"github.com/elevoi/voicegate/internal/transcribe"
)

// Deps carries the shared collaborators every call uses.
type Deps struct {
	Config      config.Config
	Logger      *slog.Logger
	LLM         llm.Client
	Bookings    *booking.Client
	Transcriber transcribe.Provider
	Synth       synthesize.Provider
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	Store       *store.Store
	Publisher   *events.Publisher
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		logger: deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// Telephony adapters connect server to server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/calls", s.handleCall)
	})

	return r
}

// handleCall upgrades the media leg and runs one session to completion. The
// caller and callee numbers arrive as query parameters from the telephony
// adapter; the callee routes to a business.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		callID = uuid.NewString()
	}
	caller := r.URL.Query().Get("caller")
	callee := r.URL.Query().Get("callee")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media upgrade failed", "call_id", callID, "err", err)
		return
	}

	logger := s.logger.With("call_id", callID)
	logger.Info("call connected", "caller", caller, "callee", callee)

	cfg := s.deps.Config
	biz := cfg.BusinessFor(callee)

	// The media leg outlives the request context once hijacked.
	media := bridge.New(context.Background(), conn, bridge.Config{})

	engine := dialogue.NewEngine(s.deps.LLM, s.deps.Bookings, dialogue.Options{
		Model:        cfg.LLMModel,
		BusinessID:   biz.ID,
		BusinessName: biz.Name,
		MaxToolCalls: cfg.MaxToolCalls,
		Logger:       logger,
		Metrics:      s.deps.Metrics,
	})

	sess, err := session.New(session.Deps{
		CallID:      callID,
		Caller:      caller,
		Callee:      callee,
		BusinessID:  biz.ID,
		Media:       media,
		Transcriber: s.deps.Transcriber,
		Synth:       s.deps.Synth,
		Engine:      engine,
		Logger:      logger,
		Metrics:     s.deps.Metrics,
		Sink:        &callSink{store: s.deps.Store, publisher: s.deps.Publisher, logger: logger},
		Config: session.Config{
			Voice:           "",
			SampleRate:      cfg.SampleRate,
			Language:        "en",
			EndpointMs:      int(cfg.UtteranceSilence / time.Millisecond),
			BargeInEnergy:   cfg.BargeInEnergy,
			BargeInDebounce: cfg.BargeInDebounce,
			LatencyBudget:   cfg.LatencyBudget,
			Greeting:        cfg.Greeting,
			MaxSessionAge:   cfg.MaxSessionAge,
		},
	})
	if err != nil {
		logger.Error("session setup failed", "err", err)
		_ = media.Close()
		return
	}

	if err := sess.Run(); err != nil {
		logger.Warn("session ended with error", "err", err)
	}
}

// callSink fans the finished call out to persistence and events. Either
// side may be absent.
type callSink struct {
	store     *store.Store
	publisher *events.Publisher
	logger    *slog.Logger
}

func (c *callSink) CallEnded(ctx context.Context, summary session.CallSummary) error {
	if c.store != nil {
		rec := store.CallRecord{
			CallID:     summary.CallID,
			Caller:     summary.Caller,
			Callee:     summary.Callee,
			BusinessID: summary.BusinessID,
			StartedAt:  summary.StartedAt,
			EndedAt:    summary.EndedAt,
			EndReason:  summary.EndReason,
		}
		for _, t := range summary.Turns {
			rec.Turns = append(rec.Turns, store.TurnRecord{
				Seq:         t.Seq,
				Role:        string(t.Role),
				Content:     t.Content,
				ToolName:    t.ToolName,
				Interrupted: t.Interrupted,
				Timestamp:   t.Timestamp,
			})
		}
		if err := c.store.SaveCall(ctx, rec); err != nil {
			c.logger.Error("persist call failed", "err", err)
		}
	}

	if c.publisher != nil {
		event := events.CallEnded{
			CallID:     summary.CallID,
			Caller:     summary.Caller,
			Callee:     summary.Callee,
			BusinessID: summary.BusinessID,
			StartedAt:  summary.StartedAt,
			EndedAt:    summary.EndedAt,
			EndReason:  summary.EndReason,
			TurnCount:  len(summary.Turns),
			Turns:      events.TurnsFromHistory(summary.Turns),
		}
		if err := c.publisher.PublishCallEnded(ctx, event); err != nil {
			c.logger.Error("publish call event failed", "err", err)
		}
	}
	return nil
}
