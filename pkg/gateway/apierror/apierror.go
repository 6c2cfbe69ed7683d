// Package apierror maps domain errors onto the JSON error envelope served by
// the HTTP surface.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vango-go/formvoice/pkg/analysis"
	"github.com/vango-go/formvoice/pkg/archive"
	"github.com/vango-go/formvoice/pkg/forms"
	"github.com/vango-go/formvoice/pkg/realtime"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConfiguration  ErrorType = "configuration_error"
	ErrUpstream       ErrorType = "upstream_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrAPI            ErrorType = "api_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

// Write encodes err as an envelope with the given status.
func Write(w http.ResponseWriter, status int, err *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}

// WriteError maps err with FromError and writes the envelope.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	apiErr, status := FromError(err, requestID)
	Write(w, status, apiErr)
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrTimeout,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrTimeout,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(apiErr.Type)
	}

	switch {
	case errors.Is(err, archive.ErrNotFound):
		return &Error{Type: ErrNotFound, Message: "conversation not found", RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, forms.ErrNoAnalysis):
		return &Error{Type: ErrNotFound, Message: "no analysis available", Code: "no_analysis", RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, forms.ErrNoTranscript):
		return &Error{Type: ErrNotFound, Message: "no transcript available for session", Code: "no_transcript", RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, forms.ErrNoQuestions):
		return &Error{Type: ErrInvalidRequest, Message: "questions are required", Param: "questions", RequestID: requestID}, http.StatusBadRequest
	case errors.Is(err, analysis.ErrNotConfigured), errors.Is(err, realtime.ErrMissingAPIKey):
		return &Error{Type: ErrConfiguration, Message: "OpenAI API key not configured", RequestID: requestID}, http.StatusInternalServerError
	}

	var statusErr *realtime.UpstreamStatusError
	if errors.As(err, &statusErr) && statusErr != nil {
		status := statusErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return &Error{
			Type:      ErrUpstream,
			Message:   "failed to create realtime session",
			Code:      http.StatusText(statusErr.StatusCode),
			RequestID: requestID,
		}, status
	}

	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) && openaiErr != nil {
		return &Error{
			Type:      ErrUpstream,
			Message:   openaiErr.Message,
			Code:      openaiErr.Type,
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	// Unknown errors do not leak details.
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
