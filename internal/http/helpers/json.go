package helpers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dropDatabas3/knockknock/internal/autherr"
)

// WriteJSON writes a standard JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorJSON writes a standard JSON error body.
func WriteErrorJSON(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteError maps the error taxonomy to HTTP statuses. Unknown errors become
// an opaque 500 so internals never leak to the client.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, autherr.ErrInvalidArgument),
		errors.Is(err, autherr.ErrInvalidProvider),
		errors.Is(err, autherr.ErrInvalidCallback):
		WriteErrorJSON(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, autherr.ErrMalformedToken),
		errors.Is(err, autherr.ErrInvalidSignature),
		errors.Is(err, autherr.ErrInvalidIssuer),
		errors.Is(err, autherr.ErrInvalidAudience),
		errors.Is(err, autherr.ErrExpired),
		errors.Is(err, autherr.ErrNotYetValid),
		errors.Is(err, autherr.ErrMissingRequiredClaim),
		errors.Is(err, autherr.ErrUnauthorized):
		WriteErrorJSON(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, autherr.ErrRateLimited):
		WriteErrorJSON(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, autherr.ErrProviderUnavailable):
		WriteErrorJSON(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, autherr.ErrConfigurationInvalid):
		WriteErrorJSON(w, http.StatusInternalServerError, "configuration invalid")
	default:
		WriteErrorJSON(w, http.StatusInternalServerError, "internal error")
	}
}
