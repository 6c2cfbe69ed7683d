package config

import (
	"strings"
	"testing"
	"time"
)

var formvoiceEnvKeys = []string{
	"FORMVOICE_ADDR",
	"PORT",
	"OPENAI_API_KEY",
	"FORMVOICE_OPENAI_BASE_URL",
	"FORMVOICE_ANALYSIS_MODEL",
	"FORMVOICE_REALTIME_URL",
	"FORMVOICE_REALTIME_MODEL",
	"FORMVOICE_SESSION_MODEL",
	"FORMVOICE_VOICE",
	"FORMVOICE_SESSION_CONFIG",
	"FORMVOICE_DATA_DIR",
	"FORMVOICE_CORS_ORIGINS",
	"FORMVOICE_MAX_BODY_BYTES",
	"FORMVOICE_UPSTREAM_FALLBACK",
	"FORMVOICE_FALLBACK_NOTIFY",
	"FORMVOICE_UPSTREAM_DIAL_TIMEOUT",
	"FORMVOICE_WS_PING_INTERVAL",
	"FORMVOICE_WS_WRITE_TIMEOUT",
	"FORMVOICE_WS_IDLE_TIMEOUT",
	"FORMVOICE_WS_MAX_MESSAGE_BYTES",
	"FORMVOICE_FINALIZE_TIMEOUT",
	"FORMVOICE_FORM_ANALYSIS_WAIT",
	"FORMVOICE_FORM_ANALYSIS_RETRY",
	"FORMVOICE_RECENT_FINALIZED_LIMIT",
	"FORMVOICE_READ_HEADER_TIMEOUT",
	"FORMVOICE_HANDLER_TIMEOUT",
	"FORMVOICE_SHUTDOWN_GRACE_PERIOD",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range formvoiceEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":3001" {
		t.Fatalf("Addr = %q, want :3001", cfg.Addr)
	}
	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("OpenAIAPIKey = %q, want empty", cfg.OpenAIAPIKey)
	}
	if cfg.RealtimeModel != "gpt-4o-realtime-preview-2024-12-17" {
		t.Fatalf("RealtimeModel = %q", cfg.RealtimeModel)
	}
	if cfg.SessionModel != "gpt-realtime-2025-08-28" {
		t.Fatalf("SessionModel = %q", cfg.SessionModel)
	}
	if cfg.Voice != "alloy" {
		t.Fatalf("Voice = %q, want alloy", cfg.Voice)
	}
	if cfg.UpstreamFallback != FallbackEcho {
		t.Fatalf("UpstreamFallback = %q, want echo", cfg.UpstreamFallback)
	}
	if cfg.FallbackNotify {
		t.Fatalf("FallbackNotify = true, want false")
	}
	if cfg.WSIdleTimeout != 0 {
		t.Fatalf("WSIdleTimeout = %v, want 0", cfg.WSIdleTimeout)
	}
	if cfg.WSPingInterval != 20*time.Second {
		t.Fatalf("WSPingInterval = %v, want 20s", cfg.WSPingInterval)
	}
	if cfg.FinalizeTimeout != 60*time.Second {
		t.Fatalf("FinalizeTimeout = %v, want 60s", cfg.FinalizeTimeout)
	}
	if cfg.FormAnalysisWait != 500*time.Millisecond || cfg.FormAnalysisRetry != time.Second {
		t.Fatalf("form waits = %v/%v, want 500ms/1s", cfg.FormAnalysisWait, cfg.FormAnalysisRetry)
	}
	if cfg.RecentFinalizedLimit != 1024 {
		t.Fatalf("RecentFinalizedLimit = %d, want 1024", cfg.RecentFinalizedLimit)
	}
	if !cfg.CORSAllowAll() {
		t.Fatalf("CORS should allow all origins by default")
	}
	if cfg.DataDir != "." {
		t.Fatalf("DataDir = %q, want .", cfg.DataDir)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_PortAndOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8081")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FORMVOICE_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FORMVOICE_UPSTREAM_FALLBACK", "CLOSE")
	t.Setenv("FORMVOICE_FALLBACK_NOTIFY", "yes")
	t.Setenv("FORMVOICE_WS_IDLE_TIMEOUT", "90s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":8081" {
		t.Fatalf("Addr = %q, want :8081", cfg.Addr)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Fatalf("OpenAIAPIKey = %q", cfg.OpenAIAPIKey)
	}
	if cfg.CORSAllowAll() || len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.UpstreamFallback != FallbackClose || !cfg.FallbackNotify {
		t.Fatalf("fallback = %q notify=%v", cfg.UpstreamFallback, cfg.FallbackNotify)
	}
	if cfg.WSIdleTimeout != 90*time.Second {
		t.Fatalf("WSIdleTimeout = %v", cfg.WSIdleTimeout)
	}

	t.Setenv("FORMVOICE_ADDR", "127.0.0.1:9000")
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("FORMVOICE_ADDR should win over PORT, got %q", cfg.Addr)
	}
}

func TestLoadFromEnv_ValidationErrors(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"FORMVOICE_UPSTREAM_FALLBACK", "retry", "FORMVOICE_UPSTREAM_FALLBACK"},
		{"FORMVOICE_OPENAI_BASE_URL", "not a url", "FORMVOICE_OPENAI_BASE_URL"},
		{"FORMVOICE_REALTIME_URL", "ftp://x.example", "FORMVOICE_REALTIME_URL"},
		{"FORMVOICE_MAX_BODY_BYTES", "0", "FORMVOICE_MAX_BODY_BYTES"},
		{"FORMVOICE_WS_PING_INTERVAL", "-1s", "FORMVOICE_WS_PING_INTERVAL"},
		{"FORMVOICE_WS_IDLE_TIMEOUT", "-5s", "FORMVOICE_WS_IDLE_TIMEOUT"},
		{"FORMVOICE_FINALIZE_TIMEOUT", "0s", "FORMVOICE_FINALIZE_TIMEOUT"},
		{"FORMVOICE_RECENT_FINALIZED_LIMIT", "-2", "FORMVOICE_RECENT_FINALIZED_LIMIT"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name %s", err, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_InvalidNumbersFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FORMVOICE_MAX_BODY_BYTES", "lots")
	t.Setenv("FORMVOICE_WS_WRITE_TIMEOUT", "soon")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Fatalf("WSWriteTimeout = %v", cfg.WSWriteTimeout)
	}
}
