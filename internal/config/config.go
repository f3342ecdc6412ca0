package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	MetricsNamespace   string
	AllowAnyOrigin     bool
	PublicStreamURL    string
	EndedCallRetention time.Duration

	ElevenLabsAPIKey     string
	ElevenLabsAPIBaseURL string
	ElevenLabsWSBaseURL  string
	ElevenLabsAgentID    string

	ClosingPhrases      []string
	UtteranceEndWindow  int
	EndCallTools        []string
	TerminationGrace    time.Duration
	TrailingAudioWindow time.Duration
	TrailingRecheck     time.Duration
	MaxGraceExtensions  int
	IdleTimeout         time.Duration
	MaxIdleResets       int
	MaxCallDuration     time.Duration
	PendingAudioLimit   int
	AgentConnectTimeout time.Duration

	DatabaseURL string
}

// DefaultClosingPhrases are the scripted sign-offs the agents end every call with.
var DefaultClosingPhrases = []string{
	"nog een fijne dag",
	"fijne dag verder",
	"prettige dag verder",
	"een fijne avond",
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		AllowAnyOrigin:       true,
		PublicStreamURL:      stringsTrimSpace("APP_PUBLIC_STREAM_URL"),
		ElevenLabsAPIKey:     stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsAPIBaseURL: envOrDefault("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL:  envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsAgentID:    stringsTrimSpace("ELEVENLABS_AGENT_ID"),
		ClosingPhrases:       listFromEnv("CALL_CLOSING_PHRASES", DefaultClosingPhrases),
		EndCallTools:         listFromEnv("CALL_END_CALL_TOOLS", []string{"end_call"}),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
		EndedCallRetention:   10 * time.Minute,
		UtteranceEndWindow:   150,
		// Long enough for the sign-off audio already queued at the phone to finish playing.
		TerminationGrace:    15 * time.Second,
		TrailingAudioWindow: 2 * time.Second,
		TrailingRecheck:     5 * time.Second,
		MaxGraceExtensions:  6,
		IdleTimeout:         30 * time.Second,
		MaxIdleResets:       20,
		MaxCallDuration:     15 * time.Minute,
		PendingAudioLimit:   50,
		AgentConnectTimeout: 10 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_ENDED_CALL_RETENTION", &cfg.EndedCallRetention},
		{"CALL_TERMINATION_GRACE", &cfg.TerminationGrace},
		{"CALL_TRAILING_AUDIO_WINDOW", &cfg.TrailingAudioWindow},
		{"CALL_TRAILING_RECHECK", &cfg.TrailingRecheck},
		{"CALL_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"CALL_MAX_DURATION", &cfg.MaxCallDuration},
		{"CALL_AGENT_CONNECT_TIMEOUT", &cfg.AgentConnectTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CALL_UTTERANCE_END_WINDOW", &cfg.UtteranceEndWindow},
		{"CALL_MAX_GRACE_EXTENSIONS", &cfg.MaxGraceExtensions},
		{"CALL_MAX_IDLE_RESETS", &cfg.MaxIdleResets},
		{"CALL_PENDING_AUDIO_LIMIT", &cfg.PendingAudioLimit},
	}
	for _, n := range ints {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.ClosingPhrases) == 0 {
		return fmt.Errorf("CALL_CLOSING_PHRASES must list at least one phrase")
	}
	if len(c.EndCallTools) == 0 {
		return fmt.Errorf("CALL_END_CALL_TOOLS must list at least one tool name")
	}
	if c.UtteranceEndWindow <= 0 {
		return fmt.Errorf("CALL_UTTERANCE_END_WINDOW must be positive")
	}
	if c.TerminationGrace <= 0 {
		return fmt.Errorf("CALL_TERMINATION_GRACE must be positive")
	}
	if c.TrailingRecheck <= 0 || c.TrailingRecheck > c.TerminationGrace {
		return fmt.Errorf("CALL_TRAILING_RECHECK must be positive and not exceed CALL_TERMINATION_GRACE")
	}
	if c.TrailingAudioWindow <= 0 {
		return fmt.Errorf("CALL_TRAILING_AUDIO_WINDOW must be positive")
	}
	if c.MaxGraceExtensions < 0 {
		return fmt.Errorf("CALL_MAX_GRACE_EXTENSIONS must be >= 0")
	}
	if c.IdleTimeout < time.Second {
		return fmt.Errorf("CALL_IDLE_TIMEOUT must be at least 1s")
	}
	if c.MaxIdleResets < 1 {
		return fmt.Errorf("CALL_MAX_IDLE_RESETS must be at least 1")
	}
	if c.MaxCallDuration <= c.IdleTimeout {
		return fmt.Errorf("CALL_MAX_DURATION must exceed CALL_IDLE_TIMEOUT")
	}
	if c.PendingAudioLimit <= 0 {
		return fmt.Errorf("CALL_PENDING_AUDIO_LIMIT must be positive")
	}
	if c.AgentConnectTimeout <= 0 {
		return fmt.Errorf("CALL_AGENT_CONNECT_TIMEOUT must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a "|"-separated value; phrases may legitimately contain commas.
func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		out := make([]string, len(fallback))
		copy(out, fallback)
		return out
	}
	var out []string
	for _, item := range strings.Split(v, "|") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
