package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Credential and CSRF failure kinds. Handlers map these to client-facing
// authentication errors; none of them is silently retried.
var (
	// ErrMissingCredential indicates no session or cookie was presented.
	ErrMissingCredential = errors.New("no credential presented")
	// ErrInvalidCiphertext indicates a malformed, tampered, or wrong-key
	// ciphertext; the three cases are indistinguishable to the caller.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidOrExpiredState indicates a state token that failed
	// verification, expired, or was already used.
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")
	// ErrStateMismatch indicates the callback state differs from the issued
	// one. Possible CSRF attack; distinct from ErrInvalidOrExpiredState.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrUpstreamExchangeFailed indicates the code-for-credential exchange
	// failed; surfaced to the client as a 400.
	ErrUpstreamExchangeFailed = errors.New("upstream code exchange failed")
	// ErrReauthenticationRequired indicates the refresh secret is absent or
	// was rejected; the user must log in again.
	ErrReauthenticationRequired = errors.New("reauthentication required")
	// ErrUpstreamUnavailable indicates a transport error or 5xx from the
	// upstream.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrReplaceTimeout indicates the atomic replace exceeded its local
	// deadline. The upstream task is not cancelled and may still complete.
	ErrReplaceTimeout = errors.New("replace operation timed out")
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeAuthError maps a credential-lifecycle error to its client-facing
// response. Authentication failures always instruct the user to log in again.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Not authenticated. Please log in.")
	case errors.Is(err, ErrInvalidCiphertext):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIAL", "Credential could not be read. Please log in again.")
	case errors.Is(err, ErrReauthenticationRequired):
		writeError(w, http.StatusUnauthorized, "REAUTHENTICATION_REQUIRED", "Session can no longer be refreshed. Please log in again.")
	case errors.Is(err, ErrStateMismatch):
		writeError(w, http.StatusBadRequest, "STATE_MISMATCH", "State mismatch. Possible CSRF attack. Please try logging in again.")
	case errors.Is(err, ErrInvalidOrExpiredState):
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "Invalid or expired state. Please try logging in again.")
	case errors.Is(err, ErrUpstreamExchangeFailed):
		writeError(w, http.StatusBadRequest, "EXCHANGE_FAILED", "Failed to exchange authorization code. Please try logging in again.")
	case errors.Is(err, ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Upstream API is unavailable. Please try again later.")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error")
	}
}
