package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/vango-go/formvoice/pkg/gateway/config"
	"github.com/vango-go/formvoice/pkg/gateway/lifecycle"
	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
)

const serviceName = "formvoice-relay"

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

type ReadyHandler struct {
	Config       config.Config
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool           `json:"ok"`
		Draining     bool           `json:"draining"`
		LiveSessions int            `json:"live_sessions"`
		LiveStates   map[string]int `json:"live_states,omitempty"`
		Fallback     string         `json:"upstream_fallback"`
		Issues       []string       `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "OPENAI_API_KEY is not set")
	}
	if info, err := os.Stat(h.Config.DataDir); err != nil || !info.IsDir() {
		issues = append(issues, "data dir is not a directory")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}
	if h.Config.FinalizeTimeout <= 0 {
		issues = append(issues, "finalize timeout must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:           ok,
		Draining:     draining,
		LiveSessions: h.LiveSessions.Count(),
		LiveStates:   h.LiveSessions.StateCounts(),
		Fallback:     string(h.Config.UpstreamFallback),
		Issues:       issues,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
