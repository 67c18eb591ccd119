package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	ForceGrace       time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	SessionMaxConcurrent int

	FramedListenAddr     string
	FramedAcceptTimeout  time.Duration
	RTPBindHost          string
	RTPJitterPackets     int
	RTPInactivityTimeout time.Duration
	TelephonyEncoding    string

	Provider              string
	ProviderReadyTimeout  time.Duration
	ProviderConfigTimeout time.Duration

	OpenAIAPIKey   string
	OpenAIURL      string
	OpenAIModel    string
	OpenAIVoice    string
	OpenAIVADLevel float64

	DeepgramAPIKey      string
	DeepgramURL         string
	DeepgramListenModel string
	DeepgramThinkModel  string
	DeepgramSpeakModel  string

	LocalProviderURL   string
	LocalProviderModel string

	AgentInstructions string
	AgentGreeting     string

	BargeInEnergyDBFS       float64
	BargeInMinDuration      time.Duration
	BargeInHysteresisDB     float64
	BargeInVADThreshold     float64
	BargeInCancelAckTimeout time.Duration
	BargeInRelease          time.Duration

	ToolsEnabled                []string
	ToolTimeout                 time.Duration
	TransferAllowedDestinations []string

	ARIURL              string
	ARIUsername         string
	ARIPassword         string
	ARITransferContext  string
	ARIVoicemailContext string

	PrecallMode       string
	PrecallTimeout    time.Duration
	PrecallStaticVars string

	DatabaseURL     string
	ReportRedactPII bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		FramedListenAddr:    envOrDefault("FRAMED_LISTEN_ADDR", ":9092"),
		RTPBindHost:         envOrDefault("RTP_BIND_HOST", "0.0.0.0"),
		TelephonyEncoding:   strings.ToLower(envOrDefault("TELEPHONY_ENCODING", "mulaw")),
		Provider:            strings.ToLower(envOrDefault("PROVIDER", "openai")),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIURL:           stringsTrimSpace("OPENAI_REALTIME_URL"),
		OpenAIModel:         stringsTrimSpace("OPENAI_REALTIME_MODEL"),
		OpenAIVoice:         stringsTrimSpace("OPENAI_VOICE"),
		DeepgramAPIKey:      stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramURL:         stringsTrimSpace("DEEPGRAM_AGENT_URL"),
		DeepgramListenModel: stringsTrimSpace("DEEPGRAM_LISTEN_MODEL"),
		DeepgramThinkModel:  stringsTrimSpace("DEEPGRAM_THINK_MODEL"),
		DeepgramSpeakModel:  stringsTrimSpace("DEEPGRAM_SPEAK_MODEL"),
		LocalProviderURL:    envOrDefault("LOCAL_PROVIDER_URL", "ws://127.0.0.1:8765"),
		LocalProviderModel:  stringsTrimSpace("LOCAL_PROVIDER_MODEL"),
		AgentInstructions:   stringsTrimSpace("AGENT_INSTRUCTIONS"),
		AgentGreeting:       stringsTrimSpace("AGENT_GREETING"),
		ARIURL:              stringsTrimSpace("ARI_URL"),
		ARIUsername:         stringsTrimSpace("ARI_USERNAME"),
		ARIPassword:         os.Getenv("ARI_PASSWORD"),
		ARITransferContext:  stringsTrimSpace("ARI_TRANSFER_CONTEXT"),
		ARIVoicemailContext: stringsTrimSpace("ARI_VOICEMAIL_CONTEXT"),
		PrecallMode:         strings.ToLower(envOrDefault("PRECALL_MODE", "sequential")),
		PrecallStaticVars:   stringsTrimSpace("PRECALL_STATIC_VARS"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:         30 * time.Second,
		ForceGrace:              2 * time.Second,
		SessionMaxConcurrent:    50,
		FramedAcceptTimeout:     5 * time.Second,
		RTPJitterPackets:        3,
		RTPInactivityTimeout:    10 * time.Second,
		ProviderReadyTimeout:    5 * time.Second,
		ProviderConfigTimeout:   5 * time.Second,
		BargeInEnergyDBFS:       -35,
		BargeInMinDuration:      150 * time.Millisecond,
		BargeInHysteresisDB:     6,
		BargeInVADThreshold:     0.5,
		BargeInCancelAckTimeout: time.Second,
		BargeInRelease:          400 * time.Millisecond,
		ToolTimeout:             10 * time.Second,
		PrecallTimeout:          2 * time.Second,
		ReportRedactPII:         true,
	}
	// The framed listener can be switched off with an explicitly empty value.
	if v, ok := os.LookupEnv("FRAMED_LISTEN_ADDR"); ok && strings.TrimSpace(v) == "" {
		cfg.FramedListenAddr = ""
	}
	cfg.ToolsEnabled = listFromEnv("TOOLS_ENABLED", []string{"transfer", "hangup_call", "leave_voicemail"})
	cfg.TransferAllowedDestinations = listFromEnv("TRANSFER_ALLOWED_DESTINATIONS", nil)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_FORCE_GRACE", &cfg.ForceGrace},
		{"FRAMED_ACCEPT_TIMEOUT", &cfg.FramedAcceptTimeout},
		{"RTP_INACTIVITY_TIMEOUT", &cfg.RTPInactivityTimeout},
		{"PROVIDER_READY_TIMEOUT", &cfg.ProviderReadyTimeout},
		{"PROVIDER_CONFIG_TIMEOUT", &cfg.ProviderConfigTimeout},
		{"BARGE_IN_MIN_DURATION", &cfg.BargeInMinDuration},
		{"BARGE_IN_CANCEL_ACK_TIMEOUT", &cfg.BargeInCancelAckTimeout},
		{"BARGE_IN_RELEASE", &cfg.BargeInRelease},
		{"TOOL_TIMEOUT", &cfg.ToolTimeout},
		{"PRECALL_TIMEOUT", &cfg.PrecallTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.SessionMaxConcurrent, err = intFromEnv("SESSION_MAX_CONCURRENT", cfg.SessionMaxConcurrent)
	if err != nil {
		return Config{}, err
	}
	cfg.RTPJitterPackets, err = intFromEnv("RTP_JITTER_PACKETS", cfg.RTPJitterPackets)
	if err != nil {
		return Config{}, err
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"BARGE_IN_ENERGY_DBFS", &cfg.BargeInEnergyDBFS},
		{"BARGE_IN_HYSTERESIS_DB", &cfg.BargeInHysteresisDB},
		{"BARGE_IN_VAD_THRESHOLD", &cfg.BargeInVADThreshold},
		{"OPENAI_VAD_THRESHOLD", &cfg.OpenAIVADLevel},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.ReportRedactPII, err = boolFromEnv("REPORT_REDACT_PII", cfg.ReportRedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.ForceGrace <= 0 {
		return fmt.Errorf("APP_FORCE_GRACE must be positive")
	}
	if c.SessionMaxConcurrent <= 0 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT must be positive")
	}
	if c.RTPJitterPackets < 1 {
		return fmt.Errorf("RTP_JITTER_PACKETS must be at least 1")
	}
	switch c.TelephonyEncoding {
	case "mulaw", "alaw":
	default:
		return fmt.Errorf("TELEPHONY_ENCODING must be mulaw or alaw")
	}
	switch c.Provider {
	case "openai", "deepgram", "local":
	default:
		return fmt.Errorf("PROVIDER must be openai, deepgram or local")
	}
	if c.BargeInEnergyDBFS >= 0 {
		return fmt.Errorf("BARGE_IN_ENERGY_DBFS must be negative")
	}
	if c.BargeInHysteresisDB < 0 {
		return fmt.Errorf("BARGE_IN_HYSTERESIS_DB must be >= 0")
	}
	if c.BargeInVADThreshold <= 0 || c.BargeInVADThreshold > 1 {
		return fmt.Errorf("BARGE_IN_VAD_THRESHOLD must be in (0,1]")
	}
	if c.BargeInMinDuration < 20*time.Millisecond {
		return fmt.Errorf("BARGE_IN_MIN_DURATION must be at least 20ms")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be positive")
	}
	switch c.PrecallMode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("PRECALL_MODE must be sequential or parallel")
	}
	if c.PrecallTimeout <= 0 {
		return fmt.Errorf("PRECALL_TIMEOUT must be positive")
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
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

// listFromEnv splits a comma separated value, dropping blanks. An unset
// variable yields fallback; an explicitly empty one yields nil.
func listFromEnv(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
