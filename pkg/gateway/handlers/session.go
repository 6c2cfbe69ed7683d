package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vango-go/formvoice/pkg/realtime"
)

// SessionIssuer mints ephemeral realtime credentials.
type SessionIssuer interface {
	CreateSession(ctx context.Context) (json.RawMessage, error)
}

// SessionHandler serves POST /api/session with the upstream response as-is.
type SessionHandler struct {
	Issuer SessionIssuer
	Logger *slog.Logger
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggerOrDefault(h.Logger)
	if h.Issuer == nil {
		writeError(w, r, logger.Error, realtime.ErrMissingAPIKey)
		return
	}
	raw, err := h.Issuer.CreateSession(r.Context())
	if err != nil {
		writeError(w, r, logger.Error, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// SessionConfigHandler serves GET /api/session/config.
type SessionConfigHandler struct {
	SessionConfig realtime.SessionConfig
	Model         string
	Voice         string
}

func (h SessionConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type configResp struct {
		SessionConfig realtime.SessionConfig `json:"sessionConfig"`
		Model         string                 `json:"model"`
		Voice         string                 `json:"voice"`
		Instructions  string                 `json:"instructions"`
	}
	voice := h.Voice
	if voice == "" {
		voice = h.SessionConfig.Voice
	}
	writeJSON(w, http.StatusOK, configResp{
		SessionConfig: h.SessionConfig,
		Model:         h.Model,
		Voice:         voice,
		Instructions:  h.SessionConfig.Instructions,
	})
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
