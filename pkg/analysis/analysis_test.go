package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
)

type capturedRequest struct {
	Model          string   `json:"model"`
	MaxTokens      int      `json:"max_tokens"`
	Temperature    *float64 `json:"temperature"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeCompletions struct {
	mu       sync.Mutex
	requests []capturedRequest
	reply    string
	status   int
}

func (f *fakeCompletions) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req capturedRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": f.reply},
			}},
		})
	})
}

func newTestClient(t *testing.T, fake *fakeCompletions) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
}

func TestAnalyzeTranscript_PromptAndParameters(t *testing.T) {
	fake := &fakeCompletions{reply: "1. User's main intent/goal:\nBuild a signup form"}
	c := newTestClient(t, fake)

	out, err := c.AnalyzeTranscript(context.Background(), "User: I need a signup form")
	require.NoError(t, err)
	assert.Equal(t, "1. User's main intent/goal:\nBuild a signup form", out)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 300, req.MaxTokens)
	// An omitted temperature would mean the API default of 1.
	require.NotNil(t, req.Temperature)
	assert.Greater(t, *req.Temperature, 0.0)
	assert.Less(t, *req.Temperature, 0.0001)
	assert.Nil(t, req.ResponseFormat)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Transcript:\nUser: I need a signup form\n")
}

func TestGenerateForm_StripsFenceAndAssignsIDs(t *testing.T) {
	fake := &fakeCompletions{reply: "```json\n" + `{
		"title":"Event signup",
		"description":"Collect attendee details.",
		"questions":[
			{"id":"email","question":"Your email?","type":"email","required":true},
			{"question":"Dietary needs?","type":"select","required":false,"options":["none","vegan"]}
		]
	}` + "\n```"}
	c := newTestClient(t, fake)

	form, err := c.GenerateForm(context.Background(), "analysis text")
	require.NoError(t, err)
	assert.Equal(t, "Event signup", form.Title)
	require.Len(t, form.Questions, 2)
	assert.Equal(t, "email", form.Questions[0].ID)
	assert.Regexp(t, regexp.MustCompile(`^q_2_\d{1,4}$`), form.Questions[1].ID)
	assert.Equal(t, []string{"none", "vegan"}, form.Questions[1].Options)

	req := fake.requests[0]
	assert.Equal(t, 1500, req.MaxTokens)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
}

func TestGenerateForm_InvalidJSON(t *testing.T) {
	c := newTestClient(t, &fakeCompletions{reply: "not json"})
	_, err := c.GenerateForm(context.Background(), "x")
	assert.ErrorContains(t, err, "invalid JSON response")
}

func TestGenerateAnswers_UsesQuestionLines(t *testing.T) {
	fake := &fakeCompletions{reply: `{"answers":{"q1":"Ada"},"confidence":"high","missing_answers":["q2"],"notes":""}`}
	c := newTestClient(t, fake)
	questions := []protocol.Question{
		{QuestionID: "q1", Question: "Name?", TypeAnswer: "text"},
		{ID: "q2", Question: "Age?", Type: "number"},
	}

	out, err := c.GenerateAnswers(context.Background(), questions, "analysis")
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.Answers["q1"])
	assert.Equal(t, []string{"q2"}, out.MissingAnswers)
	assert.Contains(t, fake.requests[0].Messages[0].Content,
		"Question ID: q1 | Question: Name? | Type: text\nQuestion ID: q2 | Question: Age? | Type: number")
}

func TestAnalyzeCompletion_Parameters(t *testing.T) {
	fake := &fakeCompletions{reply: "Name: Ada"}
	c := newTestClient(t, fake)
	out, err := c.AnalyzeCompletion(context.Background(), []protocol.Question{{Question: "Name?"}}, "User: Ada")
	require.NoError(t, err)
	assert.Equal(t, "Name: Ada", out)
	assert.Equal(t, 1000, fake.requests[0].MaxTokens)
	assert.Contains(t, fake.requests[0].Messages[0].Content, "Question ID: unknown | Question: Name? | Type: text")
}

func TestClient_UpstreamErrorAndNotConfigured(t *testing.T) {
	c := newTestClient(t, &fakeCompletions{status: http.StatusInternalServerError})
	_, err := c.AnalyzeTranscript(context.Background(), "x")
	assert.Error(t, err)

	unconfigured := New(Config{})
	assert.False(t, unconfigured.Configured())
	_, err = unconfigured.AnalyzeTranscript(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = unconfigured.GenerateForm(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence(`  {"a":1} `))
}

func TestAssignQuestionIDs_StableForSameText(t *testing.T) {
	a := []FormQuestion{{Question: "Email?"}}
	b := []FormQuestion{{Question: "Email?"}}
	AssignQuestionIDs(a)
	AssignQuestionIDs(b)
	assert.Equal(t, a[0].ID, b[0].ID)
}
