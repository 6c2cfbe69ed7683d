package handlers

import (
	"net/http"

	"github.com/vango-go/formvoice/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIErrorJSON(w, requestIDFromContext(r), &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}
