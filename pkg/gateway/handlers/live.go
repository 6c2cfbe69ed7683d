package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/formvoice/pkg/archive"
	"github.com/vango-go/formvoice/pkg/gateway/apierror"
	"github.com/vango-go/formvoice/pkg/gateway/config"
	"github.com/vango-go/formvoice/pkg/gateway/lifecycle"
	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
	"github.com/vango-go/formvoice/pkg/gateway/live/relay"
	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
	"github.com/vango-go/formvoice/pkg/gateway/metrics"
	"github.com/vango-go/formvoice/pkg/realtime"
)

// LiveHandler handles /ws and /ws/{session_id} relay connections.
//
// On /ws the browser supplies an ephemeral token in a connect frame. On
// /ws/{session_id} the server key is used and the upstream dial happens on
// accept; an optional ?mode= query selects the session mode.
type LiveHandler struct {
	Config        config.Config
	Store         *sessions.Store
	Dial          relay.DialFunc
	SessionConfig realtime.SessionConfig
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Lifecycle     *lifecycle.Lifecycle
	LiveSessions  *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggerOrDefault(h.Logger)
	reqID := requestIDFromContext(r)

	if h.Lifecycle.IsDraining() {
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrAPI, Message: "relay is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeAPIErrorJSON(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	pathID := strings.TrimSpace(r.PathValue("session_id"))
	if pathID != "" && !archive.ValidSessionID(pathID) {
		writeAPIErrorJSON(w, reqID, invalidRequest("invalid session id", "session_id"), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	mode := sessions.ModeCreation
	if raw := strings.TrimSpace(r.URL.Query().Get("mode")); raw != "" {
		mode = sessions.ParseMode(raw)
	}

	sessionID := pathID
	if sessionID == "" {
		sessionID = sessions.NewSessionID(time.Now())
	}
	ref := h.Store.Create(sessionID, mode)

	rl, err := relay.New(relay.Dependencies{
		Client:        conn,
		Dial:          h.Dial,
		Store:         h.Store,
		Logger:        logger.With("request_id", reqID),
		Metrics:       h.Metrics,
		Session:       ref,
		Mode:          mode,
		Credential:    h.Config.OpenAIAPIKey,
		AwaitConnect:  pathID == "",
		SessionConfig: h.SessionConfig,
		Config: relay.Config{
			Fallback:        h.Config.UpstreamFallback,
			FallbackNotify:  h.Config.FallbackNotify,
			DialTimeout:     h.Config.UpstreamDialTimeout,
			PingInterval:    h.Config.WSPingInterval,
			WriteTimeout:    h.Config.WSWriteTimeout,
			IdleTimeout:     h.Config.WSIdleTimeout,
			MaxMessageBytes: h.Config.WSMaxMessageBytes,
			FinalizeTimeout: h.Config.FinalizeTimeout,
		},
	})
	if err != nil {
		logger.Error("failed to initialize relay", "request_id", reqID, "error", err)
		h.Store.Finalize(context.WithoutCancel(r.Context()), ref)
		h.writeWSError(conn, "failed to initialize relay")
		return
	}

	logger.Info("relay session started", "session_id", sessionID, "request_id", reqID, "mode", string(mode))

	unregister := h.LiveSessions.Register(sessionID, sessions.Handle{
		Cancel: rl.Cancel,
		Warn:   rl.SendWarning,
		State:  func() string { return rl.State().String() },
	})
	defer unregister()

	if err := rl.Run(r.Context()); err != nil {
		logger.Warn("relay session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || h.Config.CORSAllowAll() {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, message string) {
	deadline := time.Now().Add(time.Second)
	if h.Config.WSWriteTimeout > 0 {
		deadline = time.Now().Add(h.Config.WSWriteTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Error: message})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, message), deadline)
}
