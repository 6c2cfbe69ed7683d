// Package analysis calls the chat completions API to analyze transcripts and
// derive forms and form answers from them.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
)

const DefaultModel = openai.GPT4o

// ErrNotConfigured is returned by every call when no API key is set.
var ErrNotConfigured = errors.New("OPENAI_API_KEY not found")

// zeroTemperature stands in for temperature 0. ChatCompletionRequest tags
// Temperature omitempty, so a literal 0 never reaches the wire and the API
// default of 1 applies. The smallest float32 encodes as "temperature":1e-45,
// which the API samples the same as 0.
const zeroTemperature = math.SmallestNonzeroFloat32

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	api    *openai.Client
	model  string
	logger *slog.Logger
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	c := &Client{model: model, logger: logger}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		oc := openai.DefaultConfig(key)
		if base := strings.TrimSpace(cfg.BaseURL); base != "" {
			oc.BaseURL = strings.TrimRight(base, "/")
		}
		if cfg.HTTPClient != nil {
			oc.HTTPClient = cfg.HTTPClient
		}
		c.api = openai.NewClientWithConfig(oc)
	}
	return c
}

func (c *Client) Configured() bool {
	return c != nil && c.api != nil
}

// FormQuestion is one question of a generated form.
type FormQuestion struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

type Form struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Questions   []FormQuestion `json:"questions"`
}

type Answers struct {
	Answers        map[string]any `json:"answers"`
	Confidence     any            `json:"confidence,omitempty"`
	MissingAnswers []string       `json:"missing_answers,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

// AnalyzeTranscript returns the intent analysis of a creation-mode transcript.
func (c *Client) AnalyzeTranscript(ctx context.Context, transcript string) (string, error) {
	prompt := strings.Replace(TranscriptAnalysisPrompt, "{transcript}", transcript, 1)
	return c.complete(ctx, prompt, 300, zeroTemperature, false)
}

// AnalyzeCompletion summarizes the answers given in a completion-mode transcript.
func (c *Client) AnalyzeCompletion(ctx context.Context, questions []protocol.Question, transcript string) (string, error) {
	r := strings.NewReplacer("{questions}", QuestionLines(questions), "{transcript}", transcript)
	return c.complete(ctx, r.Replace(CompletionAnalysisPrompt), 1000, 0.1, false)
}

// GenerateForm builds a form definition from an analysis. Questions without an
// id get one derived from their position and text.
func (c *Client) GenerateForm(ctx context.Context, analysis string) (Form, error) {
	prompt := strings.Replace(FormGenerationPrompt, "{analysis}", analysis, 1)
	content, err := c.complete(ctx, prompt, 1500, 0.1, true)
	if err != nil {
		return Form{}, err
	}
	var form Form
	if err := json.Unmarshal([]byte(StripCodeFence(content)), &form); err != nil {
		return Form{}, fmt.Errorf("invalid JSON response: %w", err)
	}
	AssignQuestionIDs(form.Questions)
	return form, nil
}

// GenerateAnswers maps an analysis onto the given questions.
func (c *Client) GenerateAnswers(ctx context.Context, questions []protocol.Question, analysis string) (Answers, error) {
	r := strings.NewReplacer("{questions}", QuestionLines(questions), "{analysis}", analysis)
	content, err := c.complete(ctx, r.Replace(AnswersGenerationPrompt), 1500, 0.1, true)
	if err != nil {
		return Answers{}, err
	}
	var out Answers
	if err := json.Unmarshal([]byte(StripCodeFence(content)), &out); err != nil {
		return Answers{}, fmt.Errorf("invalid JSON response: %w", err)
	}
	if out.Answers == nil {
		out.Answers = map[string]any{}
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, prompt string, maxTokens int, temperature float32, jsonOut bool) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if jsonOut {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug("chat completion", "model", c.model, "prompt_chars", len(prompt), "response_chars", len(content))
	return content, nil
}

// QuestionLines renders "Question ID: <id> | Question: <text> | Type: <kind>" lines.
func QuestionLines(questions []protocol.Question) string {
	lines := make([]string, 0, len(questions))
	for _, q := range questions {
		lines = append(lines, fmt.Sprintf("Question ID: %s | Question: %s | Type: %s", q.Key(), q.Question, q.Kind()))
	}
	return strings.Join(lines, "\n")
}

// StripCodeFence removes a surrounding ```json ... ``` fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// AssignQuestionIDs fills empty ids with q_<n>_<hash(question) mod 10000>.
func AssignQuestionIDs(questions []FormQuestion) {
	for i := range questions {
		if strings.TrimSpace(questions[i].ID) != "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(questions[i].Question))
		questions[i].ID = fmt.Sprintf("q_%d_%d", i+1, h.Sum32()%10000)
	}
}
