package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Business is a tenant served by the agent. Calls are routed to a business
// by the callee number of the incoming call leg.
type Business struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Config struct {
	Addr string

	// Speech providers.
	DeepgramAPIKey      string
	DeepgramWSBaseURL   string
	ElevenLabsAPIKey    string
	ElevenLabsVoiceID   string
	ElevenLabsWSBaseURL string

	// Language model (OpenAI-compatible chat completions).
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Booking backend.
	BookingBaseURL string
	BookingAPIKey  string
	BookingTimeout time.Duration

	// Audio format for the media leg. 16-bit signed little-endian PCM.
	SampleRate int
	Channels   int

	// Turn-taking tunables.
	UtteranceSilence time.Duration // trailing silence that ends a caller utterance
	BargeInDebounce  time.Duration // sustained speech during agent output before cancel
	BargeInEnergy    float64       // RMS threshold for barge-in detection
	LatencyBudget    time.Duration // filler utterance deadline while thinking
	MaxToolCalls     int           // tool calls allowed per caller turn
	MaxSessionAge    time.Duration

	Greeting string

	// Businesses maps callee numbers to tenant config. The zero-key entry
	// ("") is the fallback for unmapped numbers.
	Businesses map[string]Business

	// Persistence (optional; empty disables the store).
	DatabaseURL string

	// Event publishing (optional; no brokers disables Kafka).
	KafkaBrokers []string
	KafkaTopic   string

	// HTTP server operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEGATE_ADDR", ":8080"),
		DeepgramAPIKey:      envOr("VOICEGATE_DEEPGRAM_API_KEY", ""),
		DeepgramWSBaseURL:   envOr("VOICEGATE_DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com/v1/listen"),
		ElevenLabsAPIKey:    envOr("VOICEGATE_ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:   envOr("VOICEGATE_ELEVENLABS_VOICE_ID", ""),
		ElevenLabsWSBaseURL: envOr("VOICEGATE_ELEVENLABS_WS_BASE_URL", ""),
		LLMAPIKey:           envOr("VOICEGATE_LLM_API_KEY", ""),
		LLMBaseURL:          envOr("VOICEGATE_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:            envOr("VOICEGATE_LLM_MODEL", "gpt-4o-mini"),
		BookingBaseURL:      envOr("VOICEGATE_BOOKING_BASE_URL", ""),
		BookingAPIKey:       envOr("VOICEGATE_BOOKING_API_KEY", ""),
		BookingTimeout:      envDurationOr("VOICEGATE_BOOKING_TIMEOUT", 3*time.Second),
		SampleRate:          envIntOr("VOICEGATE_SAMPLE_RATE", 16000),
		Channels:            envIntOr("VOICEGATE_CHANNELS", 1),
		UtteranceSilence:    envMillisOr("VOICEGATE_UTTERANCE_SILENCE_MS", 650*time.Millisecond),
		BargeInDebounce:     envMillisOr("VOICEGATE_BARGE_IN_DEBOUNCE_MS", 200*time.Millisecond),
		BargeInEnergy:       envFloat64Or("VOICEGATE_BARGE_IN_ENERGY", 0.05),
		LatencyBudget:       envDurationOr("VOICEGATE_LATENCY_BUDGET", 4*time.Second),
		MaxToolCalls:        envIntOr("VOICEGATE_MAX_TOOL_CALLS", 3),
		MaxSessionAge:       envDurationOr("VOICEGATE_MAX_SESSION_AGE", 30*time.Minute),
		Greeting:            envOr("VOICEGATE_GREETING", "Hello! Thank you for calling. How can I help you today?"),
		DatabaseURL:         envOr("VOICEGATE_DATABASE_URL", ""),
		KafkaBrokers:        splitCSV(os.Getenv("VOICEGATE_KAFKA_BROKERS")),
		KafkaTopic:          envOr("VOICEGATE_KAFKA_TOPIC", "voicegate.calls"),
		ReadHeaderTimeout:   envDurationOr("VOICEGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	businesses, err := parseBusinessDirectory(os.Getenv("VOICEGATE_BUSINESS_DIRECTORY"))
	if err != nil {
		return Config{}, err
	}
	cfg.Businesses = businesses
	if _, ok := cfg.Businesses[""]; !ok {
		cfg.Businesses[""] = Business{Name: envOr("VOICEGATE_BUSINESS_NAME", "our business")}
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SAMPLE_RATE must be > 0")
	}
	if cfg.Channels <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_CHANNELS must be > 0")
	}
	if cfg.UtteranceSilence <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_UTTERANCE_SILENCE_MS must be > 0")
	}
	if cfg.BargeInDebounce <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_BARGE_IN_DEBOUNCE_MS must be > 0")
	}
	if cfg.BargeInEnergy <= 0 || cfg.BargeInEnergy > 1 {
		return Config{}, fmt.Errorf("VOICEGATE_BARGE_IN_ENERGY must be in (0, 1]")
	}
	if cfg.LatencyBudget <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_LATENCY_BUDGET must be > 0")
	}
	if cfg.MaxToolCalls <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_MAX_TOOL_CALLS must be > 0")
	}
	if cfg.MaxSessionAge <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_MAX_SESSION_AGE must be > 0")
	}
	if cfg.BookingTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_BOOKING_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if len(cfg.KafkaBrokers) > 0 && strings.TrimSpace(cfg.KafkaTopic) == "" {
		return Config{}, fmt.Errorf("VOICEGATE_KAFKA_TOPIC must not be empty when brokers are set")
	}

	return cfg, nil
}

// BusinessFor resolves the tenant for a callee number, falling back to the
// default entry when the number is not mapped.
func (c Config) BusinessFor(calleeNumber string) Business {
	if b, ok := c.Businesses[strings.TrimSpace(calleeNumber)]; ok {
		return b
	}
	return c.Businesses[""]
}

func parseBusinessDirectory(raw string) (map[string]Business, error) {
	out := make(map[string]Business)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("VOICEGATE_BUSINESS_DIRECTORY is not valid JSON: %w", err)
	}
	return out, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// envMillisOr reads a bare integer millisecond count, matching the _MS key
// naming.
func envMillisOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
