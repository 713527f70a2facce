package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironguard/audit"
	"github.com/jmcleod/ironguard/csrf"
	"github.com/jmcleod/ironguard/lockout"
	"github.com/jmcleod/ironguard/session"
	"github.com/jmcleod/ironguard/storage"
	"github.com/jmcleod/ironguard/tickets"
	"github.com/jmcleod/ironguard/users"
)

// chainConflictRetryAfter is the Retry-After hint for a lost audit append
// race; the whole transaction was rolled back so an immediate retry is safe.
const chainConflictRetryAfter = "1"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code errorCode, args ...any) {
	writeJSON(w, status, ErrorResponse{Error: localize(r, code, args...), Code: string(code)})
}

// writeLocked sends 423 with the remaining lockout in both the Retry-After
// header and the body.
func writeLocked(w http.ResponseWriter, r *http.Request, locked *lockout.LockedError) {
	secs := locked.RetryAfterSeconds()
	w.Header().Set("Retry-After", locked.RetryAfterHeader())
	writeJSON(w, http.StatusLocked, ErrorResponse{
		Error:             localize(r, codeAccountLocked, secs),
		Code:              string(codeAccountLocked),
		RetryAfterSeconds: secs,
	})
}

// writeInternalError logs the cause and sends a generic 500.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Error(msg, "error", err, "method", r.Method, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, codeInternal)
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *lockout.LockedError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &locked):
		writeLocked(w, r, locked)
	case errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, users.ErrInvalidTOTP):
		writeError(w, r, http.StatusUnauthorized, codeInvalidCredentials)
	case errors.Is(err, session.ErrSessionInvalid):
		writeError(w, r, http.StatusUnauthorized, codeAuthRequired)
	case errors.Is(err, csrf.ErrMissingToken):
		writeError(w, r, http.StatusForbidden, codeCSRFMissing)
	case errors.Is(err, csrf.ErrTokenMismatch):
		writeError(w, r, http.StatusForbidden, codeCSRFInvalid)
	case errors.Is(err, audit.ErrChainConflict):
		a.security.log(eventChainConflict, r)
		w.Header().Set("Retry-After", chainConflictRetryAfter)
		writeError(w, r, http.StatusServiceUnavailable, codeRetry)
	case errors.As(err, &maxBytes):
		writeError(w, r, http.StatusRequestEntityTooLarge, codeBodyTooLarge)
	case errors.Is(err, users.ErrInvalidUser), errors.Is(err, tickets.ErrInvalidTicket):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  localize(r, codeInvalidRequest),
			Code:   string(codeInvalidRequest),
			Detail: err.Error(),
		})
	case errors.Is(err, users.ErrUserExists):
		writeError(w, r, http.StatusConflict, codeUsernameTaken)
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, r, http.StatusConflict, codeConflict)
	case errors.Is(err, users.ErrUserNotFound),
		errors.Is(err, tickets.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound)
	default:
		a.writeInternalError(w, r, "request failed", err)
	}
}
