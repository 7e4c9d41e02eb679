package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elevoi/voicegate/internal/booking"
	"github.com/elevoi/voicegate/internal/config"
	"github.com/elevoi/voicegate/internal/events"
	"github.com/elevoi/voicegate/internal/llm"
	"github.com/elevoi/voicegate/internal/metrics"
	"github.com/elevoi/voicegate/internal/server"
	"github.com/elevoi/voicegate/internal/store"
	"github.com/elevoi/voicegate/internal/synthesize"
	"github.com/elevoi/voicegate/internal/transcribe"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, url string) (*store.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		openStore:  store.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func run(ctx context.Context, logger *slog.Logger, deps appDeps) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var callStore *store.Store
	if cfg.DatabaseURL != "" {
		callStore, err = deps.openStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer callStore.Close()
		if err := callStore.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
		logger.Info("call store ready")
	} else {
		logger.Info("call store disabled")
	}

	publisher := events.New(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
	defer publisher.Close()

	srv := server.New(server.Deps{
		Config:      cfg,
		Logger:      logger,
		LLM:         llm.NewOpenAI(cfg.LLMAPIKey, cfg.LLMBaseURL),
		Bookings:    booking.NewClient(cfg.BookingBaseURL, cfg.BookingAPIKey, cfg.BookingTimeout),
		Transcriber: transcribe.NewDeepgram(cfg.DeepgramAPIKey, cfg.DeepgramWSBaseURL),
		Synth:       synthesize.NewElevenLabs(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsWSBaseURL),
		Metrics:     m,
		Registry:    registry,
		Store:       callStore,
		Publisher:   publisher,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting voicegate", "addr", cfg.Addr)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voicegate stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := run(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}
