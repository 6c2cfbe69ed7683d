package mw

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/formvoice/pkg/gateway/apierror"
)

// Timeout bounds plain HTTP handlers with a context deadline. Websocket
// upgrades are exempt: their lifetime is the relay's, not the request's.
func Timeout(d time.Duration, next http.Handler) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUpgrade rejects plain requests to websocket-only routes with a JSON
// error instead of the upgrader's text response.
func RequireUpgrade(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsWebSocketUpgrade(r) {
			reqID, _ := RequestIDFrom(r.Context())
			writeJSONError(w, http.StatusBadRequest, &apierror.Error{
				Type:      apierror.ErrInvalidRequest,
				Message:   "websocket upgrade required",
				Param:     "Upgrade",
				Code:      "upgrade_required",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func IsWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
