// Package config loads and validates orchestration core configuration.
//
// All empirically tuned thresholds (turn-detection timings, grace period,
// stall detection, backoff schedule) live here rather than as constants:
// they are calibrated against a specific audio codec and AI model and must
// be re-validated when either changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the orchestration core.
type Config struct {
	// Telephony signaling server.
	ARIBaseURL  string // REST command endpoint, e.g. http://localhost:8088/ari
	ARIWSURL    string // event WebSocket endpoint
	ARIUsername string
	ARIPassword string
	ARIApp      string // application name registered for channel events

	// AI realtime service.
	AIRealtimeURL string
	AIAPIKey      string
	AIModel       string
	AIVoice       string

	// Media.
	MediaHost    string // local address advertised for external media
	PortRangeMin int
	PortRangeMax int

	// Turn detection (server VAD) parameters forwarded to the AI session.
	VADThreshold       float64
	VADSilenceDuration time.Duration
	VADPrefixPadding   time.Duration

	// GreetingGrace suppresses interruption detection for this long after
	// the greeting completes.
	GreetingGrace time.Duration

	// Connection management.
	ConnectTimeout    time.Duration
	StallThreshold    time.Duration
	ReconnectBackoff  time.Duration // initial backoff, doubled per attempt
	ReconnectMax      time.Duration // backoff ceiling
	ReconnectAttempts int

	// Circuit breaker.
	BreakerThreshold int
	BreakerReset     time.Duration

	// HistorySize bounds the per-call state transition history.
	HistorySize int
}

// Default returns a Config with production defaults applied.
func Default() Config {
	return Config{
		ARIBaseURL: "http://localhost:8088/ari",
		ARIWSURL:   "ws://localhost:8088/ari/events",
		ARIApp:     "callcore",

		AIRealtimeURL: "wss://api.openai.com/v1/realtime",
		AIModel:       "gpt-4o-realtime-preview",
		AIVoice:       "alloy",

		MediaHost:    "127.0.0.1",
		PortRangeMin: 20000,
		PortRangeMax: 30000,

		VADThreshold:       0.5,
		VADSilenceDuration: 500 * time.Millisecond,
		VADPrefixPadding:   300 * time.Millisecond,
		GreetingGrace:      2 * time.Second,

		ConnectTimeout:    10 * time.Second,
		StallThreshold:    30 * time.Second,
		ReconnectBackoff:  time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,

		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,

		HistorySize: 32,
	}
}

// Load reads configuration from the environment, layered over Default.
// A .env file in the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	setString(&cfg.ARIBaseURL, "ARI_BASE_URL")
	setString(&cfg.ARIWSURL, "ARI_WS_URL")
	setString(&cfg.ARIUsername, "ARI_USERNAME")
	setString(&cfg.ARIPassword, "ARI_PASSWORD")
	setString(&cfg.ARIApp, "ARI_APP")

	setString(&cfg.AIRealtimeURL, "AI_REALTIME_URL")
	setString(&cfg.AIAPIKey, "AI_API_KEY")
	setString(&cfg.AIModel, "AI_MODEL")
	setString(&cfg.AIVoice, "AI_VOICE")

	setString(&cfg.MediaHost, "MEDIA_HOST")
	if err := setInt(&cfg.PortRangeMin, "MEDIA_PORT_MIN"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.PortRangeMax, "MEDIA_PORT_MAX"); err != nil {
		return cfg, err
	}

	if err := setFloat(&cfg.VADThreshold, "VAD_THRESHOLD"); err != nil {
		return cfg, err
	}
	for _, d := range []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.VADSilenceDuration, "VAD_SILENCE_MS"},
		{&cfg.VADPrefixPadding, "VAD_PREFIX_PADDING_MS"},
		{&cfg.GreetingGrace, "GREETING_GRACE_MS"},
		{&cfg.ConnectTimeout, "CONNECT_TIMEOUT_MS"},
		{&cfg.StallThreshold, "STALL_THRESHOLD_MS"},
		{&cfg.ReconnectBackoff, "RECONNECT_BACKOFF_MS"},
		{&cfg.ReconnectMax, "RECONNECT_MAX_MS"},
		{&cfg.BreakerReset, "BREAKER_RESET_MS"},
	} {
		if err := setMillis(d.dst, d.key); err != nil {
			return cfg, err
		}
	}
	if err := setInt(&cfg.ReconnectAttempts, "RECONNECT_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.BreakerThreshold, "BREAKER_THRESHOLD"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.HistorySize, "HISTORY_SIZE"); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	if c.PortRangeMin <= 0 || c.PortRangeMax > 65535 || c.PortRangeMin > c.PortRangeMax {
		return fmt.Errorf("invalid media port range %d-%d", c.PortRangeMin, c.PortRangeMax)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("VAD threshold must be in [0,1], got %v", c.VADThreshold)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect attempts must be at least 1, got %d", c.ReconnectAttempts)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1, got %d", c.BreakerThreshold)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1, got %d", c.HistorySize)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setMillis(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
