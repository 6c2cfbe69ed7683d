package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/formvoice/pkg/archive"
	"github.com/vango-go/formvoice/pkg/gateway/live/sessions"
)

type fakeConversations struct {
	list     []archive.Conversation
	analyses map[string]string
}

func (f fakeConversations) List() ([]archive.Conversation, error) { return f.list, nil }

func (f fakeConversations) Analysis(id string) (string, error) {
	text, ok := f.analyses[id]
	if !ok {
		return "", archive.ErrNotFound
	}
	return text, nil
}

func TestConversationsHandler_EmptyListIsArray(t *testing.T) {
	rr := httptest.NewRecorder()
	ConversationsHandler{Archive: fakeConversations{}}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Body.String(); got != "{\"conversations\":[]}\n" {
		t.Fatalf("body=%q", got)
	}
}

func TestConversationsHandler_ListsEntries(t *testing.T) {
	store := fakeConversations{list: []archive.Conversation{{
		SessionID:   "session_1",
		Mode:        sessions.ModeCreation,
		File:        "conversation_session_1_20240101_000000.txt",
		SavedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		HasAnalysis: true,
	}}}

	rr := httptest.NewRecorder()
	ConversationsHandler{Archive: store}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	var resp struct {
		Conversations []archive.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].SessionID != "session_1" || !resp.Conversations[0].HasAnalysis {
		t.Fatalf("conversations=%+v", resp.Conversations)
	}
}

func TestAnalysisHandler(t *testing.T) {
	store := fakeConversations{analyses: map[string]string{"session_1": "The user wants an intake form."}}
	mux := http.NewServeMux()
	mux.Handle("GET /api/conversations/{session_id}/analysis", AnalysisHandler{Archive: store})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations/session_1/analysis", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["analysis"] != "The user wants an intake form." || resp["session_id"] != "session_1" {
		t.Fatalf("resp=%v", resp)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations/session_2/analysis", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}
