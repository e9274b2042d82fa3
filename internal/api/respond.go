// Package api exposes the gateway's HTTP surface: session issuance,
// metering, AI operations and the local usage ledger.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var sessionErrors = []error{
	session.ErrNotAuthorized,
	session.ErrOriginNotAllowed,
	session.ErrOriginMismatch,
	session.ErrTokenRequired,
	session.ErrTokenMismatch,
	session.ErrFingerprintMismatch,
	session.ErrInvalidSignature,
	session.ErrTimestampExpired,
	session.ErrNonceReused,
}

// errorStatus maps the error taxonomy onto HTTP statuses: authorization
// failures are 401, a bad cost is the caller's fault (400), anything else
// is internal.
func errorStatus(err error) int {
	for _, sentinel := range sessionErrors {
		if errors.Is(err, sentinel) {
			return http.StatusUnauthorized
		}
	}
	if errors.Is(err, metering.ErrInvalidCost) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeMappedError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}
