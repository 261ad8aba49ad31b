package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mainthread-dev/mainthread/internal/apperr"
)

// statusFor maps an error kind to the HTTP status the spec's contract
// names for it. Cancellation maps to 499 (nginx's de facto "client closed
// request" code) per the POST /threads/{id}/messages contract.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindAlreadyPending:
		return http.StatusConflict
	case apperr.KindDepthExceeded:
		return http.StatusBadRequest
	case apperr.KindCancelled:
		return 499
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindDriverCrash:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(apperr.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
