package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/formvoice/pkg/archive"
)

// ConversationStore is the read side of the transcript archive.
type ConversationStore interface {
	List() ([]archive.Conversation, error)
	Analysis(id string) (string, error)
}

// ConversationsHandler serves GET /api/conversations.
type ConversationsHandler struct {
	Archive ConversationStore
	Logger  *slog.Logger
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	list, err := h.Archive.List()
	if err != nil {
		writeError(w, r, loggerOrDefault(h.Logger).Error, err)
		return
	}
	if list == nil {
		list = []archive.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

// AnalysisHandler serves GET /api/conversations/{session_id}/analysis.
type AnalysisHandler struct {
	Archive ConversationStore
	Logger  *slog.Logger
}

func (h AnalysisHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	text, err := h.Archive.Analysis(sessionID)
	if err != nil {
		writeError(w, r, loggerOrDefault(h.Logger).Error, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "analysis": text})
}
