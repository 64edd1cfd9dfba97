package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/webfuse/webfuse/internal/errors"
)

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps an error kind onto its HTTP status and writes a JSON
// error body. Internal details never leak to the caller.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch errors.KindOf(err) {
	case errors.KindAuthFailure:
		status, message = http.StatusUnauthorized, "unauthorized"
	case errors.KindInvalidInput:
		status, message = http.StatusBadRequest, err.Error()
	case errors.KindNotFound:
		status, message = http.StatusNotFound, err.Error()
	case errors.KindRateLimited:
		status, message = http.StatusTooManyRequests, "rate limited"
	}

	respond(w, status, map[string]string{"error": message})
}
