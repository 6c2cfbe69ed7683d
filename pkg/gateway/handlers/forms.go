package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/formvoice/pkg/analysis"
	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
)

// FormService is the form side of the API. *forms.Service satisfies it.
type FormService interface {
	FromLatestAnalysis(ctx context.Context) (analysis.Form, error)
	FromSession(ctx context.Context, sessionID string) (analysis.Form, error)
	Complete(ctx context.Context, sessionID string, questions []protocol.Question) (analysis.Answers, error)
}

// GenerateFormHandler serves GET /api/generate-form from the newest analysis.
type GenerateFormHandler struct {
	Forms  FormService
	Logger *slog.Logger
}

func (h GenerateFormHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggerOrDefault(h.Logger)
	form, err := h.Forms.FromLatestAnalysis(r.Context())
	if err != nil {
		writeError(w, r, logger.Error, err)
		return
	}
	logger.Info("form generated", "request_id", requestIDFromContext(r), "questions", len(form.Questions))
	writeJSON(w, http.StatusOK, form)
}

// ConversationFormHandler serves POST /api/forms/from-conversation/{session_id}.
type ConversationFormHandler struct {
	Forms  FormService
	Logger *slog.Logger
}

func (h ConversationFormHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggerOrDefault(h.Logger)
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		writeAPIErrorJSON(w, requestIDFromContext(r), invalidRequest("session_id is required", "session_id"), http.StatusBadRequest)
		return
	}
	form, err := h.Forms.FromSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, logger.Error, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

type formAnswersRequest struct {
	SessionID string              `json:"session_id"`
	Questions []protocol.Question `json:"questions"`
}

// FormAnswersHandler serves POST /api/generate-form-answers.
type FormAnswersHandler struct {
	Forms  FormService
	Logger *slog.Logger
}

func (h FormAnswersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := loggerOrDefault(h.Logger)
	reqID := requestIDFromContext(r)

	var req formAnswersRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, r, logger.Error, err)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeAPIErrorJSON(w, reqID, invalidRequest("session_id is required", "session_id"), http.StatusBadRequest)
		return
	}
	if len(req.Questions) == 0 {
		writeAPIErrorJSON(w, reqID, invalidRequest("questions are required", "questions"), http.StatusBadRequest)
		return
	}

	answers, err := h.Forms.Complete(r.Context(), req.SessionID, req.Questions)
	if err != nil {
		writeError(w, r, logger.Error, err)
		return
	}
	logger.Info("form answers generated", "request_id", reqID, "session_id", req.SessionID, "answers", len(answers.Answers))
	writeJSON(w, http.StatusOK, answers)
}
