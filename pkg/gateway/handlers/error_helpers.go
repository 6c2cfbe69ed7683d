package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/formvoice/pkg/gateway/apierror"
	"github.com/vango-go/formvoice/pkg/gateway/mw"
)

func requestIDFromContext(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

func writeAPIErrorJSON(w http.ResponseWriter, reqID string, apiErr *apierror.Error, status int) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	apierror.Write(w, status, apiErr)
}

// writeError maps err onto the envelope and logs server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, logf func(msg string, args ...any), err error) {
	reqID := requestIDFromContext(r)
	apiErr, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError && logf != nil {
		logf("request failed", "request_id", reqID, "path", r.URL.Path, "status", status, "error", err)
	}
	apierror.Write(w, status, apiErr)
}

func invalidRequest(message, param string) *apierror.Error {
	return &apierror.Error{Type: apierror.ErrInvalidRequest, Message: message, Param: param}
}

// decodeJSONBody decodes a request body, mapping oversize and syntax problems
// to invalid-request errors.
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return invalidRequest("request body is required", "")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &apierror.Error{Type: apierror.ErrInvalidRequest, Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), Code: "body_too_large"}
		case errors.Is(err, io.EOF):
			return invalidRequest("request body is required", "")
		default:
			return invalidRequest("invalid JSON body: "+strings.TrimSpace(err.Error()), "")
		}
	}
	return nil
}
