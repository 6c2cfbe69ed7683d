package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAPIBase      = "https://api.openai.com/v1"
	DefaultSessionModel = "gpt-realtime-2025-08-28"

	maxIssuerErrorBody = 4 << 10
)

// ErrMissingAPIKey is returned when no server API key is configured.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY environment variable is required")

// UpstreamStatusError carries a non-2xx response from the session endpoint.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("OpenAI API error: %d - %s", e.StatusCode, e.Body)
}

// Issuer mints ephemeral realtime credentials.
type Issuer struct {
	APIKey     string
	APIBase    string
	Model      string
	Voice      string
	HTTPClient *http.Client
}

// CreateSession requests a new ephemeral session and returns the upstream JSON
// response unchanged.
func (i *Issuer) CreateSession(ctx context.Context) (json.RawMessage, error) {
	if i == nil || strings.TrimSpace(i.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	base := strings.TrimRight(strings.TrimSpace(i.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	model := strings.TrimSpace(i.Model)
	if model == "" {
		model = DefaultSessionModel
	}
	voice := strings.TrimSpace(i.Voice)
	if voice == "" {
		voice = DefaultVoice
	}

	payload, err := json.Marshal(map[string]string{"model": model, "voice": voice})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/realtime/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(i.APIKey))
	req.Header.Set("Content-Type", "application/json")

	client := i.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create realtime session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxIssuerErrorBody))
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read realtime session: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("realtime session response is not json")
	}
	return json.RawMessage(body), nil
}
