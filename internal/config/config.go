package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the voice daemon.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SurfaceInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string

	BackendBaseURL    string
	BackendAuthToken  string
	BackendTimeout    time.Duration
	BackendMaxRetries int

	AudioDevice     string
	AudioSampleRate int

	SilenceThreshold      float64
	SilenceIdleTimeout    time.Duration
	SilenceSampleInterval time.Duration

	PlaybackSingleVoice       bool
	PlaybackCompletionCeiling time.Duration

	ConversationMaxMisses int
	PromptsFile           string
	Prompts               PromptOverrides

	DatabaseURL string
}

// PromptOverrides is the YAML shape of PROMPTS_FILE. Empty fields keep the
// built-in wording.
type PromptOverrides struct {
	Greeting          string   `yaml:"greeting"`
	InstructionPrompt string   `yaml:"instruction_prompt"`
	FollowUpPrompt    string   `yaml:"follow_up_prompt"`
	Closing           string   `yaml:"closing"`
	NotHeard          string   `yaml:"not_heard"`
	NotCaught         string   `yaml:"not_caught"`
	NoText            string   `yaml:"no_text"`
	ApplyFailed       string   `yaml:"apply_failed"`
	StopPhrases       []string `yaml:"stop_phrases"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", "127.0.0.1:8765"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "lexivoice"),
		LogLevel:                  envOrDefault("LOG_LEVEL", "info"),
		BackendBaseURL:            strings.TrimRight(envOrDefault("BACKEND_BASE_URL", "http://localhost:5000"), "/"),
		BackendAuthToken:          trimmedEnv("BACKEND_AUTH_TOKEN"),
		BackendTimeout:            60 * time.Second,
		BackendMaxRetries:         1,
		AudioDevice:               strings.ToLower(envOrDefault("AUDIO_DEVICE", "auto")),
		AudioSampleRate:           16000,
		SilenceThreshold:          0.01,
		SilenceIdleTimeout:        5 * time.Second,
		SilenceSampleInterval:     100 * time.Millisecond,
		PlaybackCompletionCeiling: 30 * time.Second,
		ConversationMaxMisses:     3,
		PromptsFile:               trimmedEnv("PROMPTS_FILE"),
		DatabaseURL:               trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:           15 * time.Second,
		SurfaceInactivityTimeout:  2 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SurfaceInactivityTimeout, err = durationFromEnv("APP_SURFACE_INACTIVITY_TIMEOUT", cfg.SurfaceInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.BackendTimeout, err = durationFromEnv("BACKEND_TIMEOUT", cfg.BackendTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BackendMaxRetries, err = intFromEnv("BACKEND_MAX_RETRIES", cfg.BackendMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.SilenceThreshold, err = floatFromEnv("SILENCE_THRESHOLD", cfg.SilenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.SilenceIdleTimeout, err = durationFromEnv("SILENCE_IDLE_TIMEOUT", cfg.SilenceIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SilenceSampleInterval, err = durationFromEnv("SILENCE_SAMPLE_INTERVAL", cfg.SilenceSampleInterval); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackSingleVoice, err = boolFromEnv("PLAYBACK_SINGLE_VOICE", cfg.PlaybackSingleVoice); err != nil {
		return Config{}, err
	}
	if cfg.PlaybackCompletionCeiling, err = durationFromEnv("PLAYBACK_COMPLETION_CEILING", cfg.PlaybackCompletionCeiling); err != nil {
		return Config{}, err
	}
	if cfg.ConversationMaxMisses, err = intFromEnv("CONVERSATION_MAX_MISSES", cfg.ConversationMaxMisses); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.PromptsFile != "" {
		p, err := LoadPrompts(cfg.PromptsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Prompts = p
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SurfaceInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SURFACE_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL must not be empty")
	}
	if c.BackendMaxRetries < 0 {
		return fmt.Errorf("BACKEND_MAX_RETRIES must be >= 0")
	}
	switch c.AudioDevice {
	case "auto", "portaudio", "mock":
	default:
		return fmt.Errorf("invalid AUDIO_DEVICE: %q (expected auto|portaudio|mock)", c.AudioDevice)
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.SilenceThreshold <= 0 {
		return fmt.Errorf("SILENCE_THRESHOLD must be positive")
	}
	if c.SilenceSampleInterval <= 0 {
		return fmt.Errorf("SILENCE_SAMPLE_INTERVAL must be positive")
	}
	if c.SilenceIdleTimeout <= c.SilenceSampleInterval {
		return fmt.Errorf("SILENCE_IDLE_TIMEOUT must be greater than SILENCE_SAMPLE_INTERVAL")
	}
	if c.PlaybackCompletionCeiling <= 0 {
		return fmt.Errorf("PLAYBACK_COMPLETION_CEILING must be positive")
	}
	if c.ConversationMaxMisses < 1 {
		return fmt.Errorf("CONVERSATION_MAX_MISSES must be >= 1")
	}
	return nil
}

// LoadPrompts reads a YAML prompt override file.
func LoadPrompts(path string) (PromptOverrides, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PromptOverrides{}, fmt.Errorf("PROMPTS_FILE read error: %w", err)
	}
	var p PromptOverrides
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return PromptOverrides{}, fmt.Errorf("PROMPTS_FILE parse error: %w", err)
	}
	return p, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
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
