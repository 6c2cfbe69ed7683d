package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type FallbackMode string

const (
	// FallbackEcho answers client frames with echoes while upstream is unavailable.
	FallbackEcho FallbackMode = "echo"
	// FallbackClose reports the setup failure and closes the client connection.
	FallbackClose FallbackMode = "close"
)

type Config struct {
	Addr string

	// OpenAI credentials and endpoints.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	AnalysisModel string
	RealtimeURL   string
	RealtimeModel string
	SessionModel  string
	Voice         string

	// Optional YAML/JSON file overriding the realtime session configuration.
	SessionConfigPath string

	// Root directory for transcripts and analyses.
	DataDir string

	// CORS; "*" allows any origin, empty disables CORS.
	CORSAllowedOrigins map[string]struct{}

	MaxBodyBytes int64

	// Relay behavior.
	UpstreamFallback     FallbackMode
	FallbackNotify       bool
	UpstreamDialTimeout  time.Duration
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSIdleTimeout        time.Duration
	WSMaxMessageBytes    int64
	FinalizeTimeout      time.Duration
	FormAnalysisWait     time.Duration
	FormAnalysisRetry    time.Duration
	RecentFinalizedLimit int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("FORMVOICE_ADDR", defaultAddr()),
		OpenAIAPIKey:         envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        envOr("FORMVOICE_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnalysisModel:        envOr("FORMVOICE_ANALYSIS_MODEL", "gpt-4o"),
		RealtimeURL:          envOr("FORMVOICE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:        envOr("FORMVOICE_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		SessionModel:         envOr("FORMVOICE_SESSION_MODEL", "gpt-realtime-2025-08-28"),
		Voice:                envOr("FORMVOICE_VOICE", "alloy"),
		SessionConfigPath:    envOr("FORMVOICE_SESSION_CONFIG", ""),
		DataDir:              envOr("FORMVOICE_DATA_DIR", "."),
		CORSAllowedOrigins:   make(map[string]struct{}),
		MaxBodyBytes:         envInt64Or("FORMVOICE_MAX_BODY_BYTES", 1<<20),
		UpstreamFallback:     FallbackMode(strings.ToLower(envOr("FORMVOICE_UPSTREAM_FALLBACK", string(FallbackEcho)))),
		FallbackNotify:       envBoolOr("FORMVOICE_FALLBACK_NOTIFY", false),
		UpstreamDialTimeout:  envDurationOr("FORMVOICE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		WSPingInterval:       envDurationOr("FORMVOICE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("FORMVOICE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSIdleTimeout:        envDurationOr("FORMVOICE_WS_IDLE_TIMEOUT", 0),
		WSMaxMessageBytes:    envInt64Or("FORMVOICE_WS_MAX_MESSAGE_BYTES", 4<<20),
		FinalizeTimeout:      envDurationOr("FORMVOICE_FINALIZE_TIMEOUT", 60*time.Second),
		FormAnalysisWait:     envDurationOr("FORMVOICE_FORM_ANALYSIS_WAIT", 500*time.Millisecond),
		FormAnalysisRetry:    envDurationOr("FORMVOICE_FORM_ANALYSIS_RETRY", time.Second),
		RecentFinalizedLimit: envIntOr("FORMVOICE_RECENT_FINALIZED_LIMIT", 1024),
		ReadHeaderTimeout:    envDurationOr("FORMVOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		HandlerTimeout:       envDurationOr("FORMVOICE_HANDLER_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:  envDurationOr("FORMVOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(envOr("FORMVOICE_CORS_ORIGINS", "*")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.UpstreamFallback {
	case FallbackEcho, FallbackClose:
	default:
		return Config{}, fmt.Errorf("FORMVOICE_UPSTREAM_FALLBACK must be one of echo|close")
	}
	if err := validateURL("FORMVOICE_OPENAI_BASE_URL", cfg.OpenAIBaseURL, "http", "https"); err != nil {
		return Config{}, err
	}
	if err := validateURL("FORMVOICE_REALTIME_URL", cfg.RealtimeURL, "ws", "wss", "http", "https"); err != nil {
		return Config{}, err
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSIdleTimeout < 0 {
		return Config{}, fmt.Errorf("FORMVOICE_WS_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.FinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.FormAnalysisWait < 0 {
		return Config{}, fmt.Errorf("FORMVOICE_FORM_ANALYSIS_WAIT must be >= 0")
	}
	if cfg.FormAnalysisRetry < 0 {
		return Config{}, fmt.Errorf("FORMVOICE_FORM_ANALYSIS_RETRY must be >= 0")
	}
	if cfg.RecentFinalizedLimit <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_RECENT_FINALIZED_LIMIT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("FORMVOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("FORMVOICE_DATA_DIR must not be empty")
	}

	return cfg, nil
}

// CORSAllowAll reports whether the allowlist contains "*".
func (c Config) CORSAllowAll() bool {
	_, ok := c.CORSAllowedOrigins["*"]
	return ok
}

// defaultAddr honors PORT, the variable most hosting platforms set.
func defaultAddr() string {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return ":" + port
	}
	return ":3001"
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute url", key)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", key, strings.Join(schemes, "|"))
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
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

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
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
