package main

import (
	"errors"
	"net/http"

	"github.com/example/dermaid/internal/identity"
)

// APIError is the body of every error response.
type APIError struct {
	Message string            `json:"error"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
}

const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeValidation         = "VALIDATION_ERROR"
	codeDuplicateUsername  = "DUPLICATE_USERNAME"
	codeDuplicateEmail     = "DUPLICATE_EMAIL"
	codeInvalidCredentials = "INVALID_CREDENTIALS"
	codeMissingToken       = "MISSING_TOKEN"
	codeTokenInvalid       = "TOKEN_INVALID_OR_REVOKED"
	codeUnauthorized       = "UNAUTHORIZED"
	codeNoImage            = "NO_IMAGE"
	codeInvalidImage       = "INVALID_IMAGE"
	codeRateLimited        = "RATE_LIMIT_EXCEEDED"
	codeInternal           = "INTERNAL_ERROR"
)

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeServiceError converts an identity error into a response. Anything it does not recognise
// is logged and reported as a generic 500.
func (a *App) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *identity.ValidationError
	var terr *identity.TokenError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, APIError{Code: codeValidation, Message: "Validation failed", Fields: verr.Fields})
	case errors.Is(err, identity.ErrDuplicateUsername):
		writeError(w, http.StatusBadRequest, codeDuplicateUsername, "Username already exists")
	case errors.Is(err, identity.ErrDuplicateEmail):
		writeError(w, http.StatusBadRequest, codeDuplicateEmail, "Email already exists")
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, codeInvalidCredentials, "Invalid credentials")
	case errors.Is(err, identity.ErrMissingToken):
		writeError(w, http.StatusBadRequest, codeMissingToken, "Refresh token not provided")
	case errors.As(err, &terr):
		writeError(w, http.StatusBadRequest, codeTokenInvalid, terr.Error())
	case errors.Is(err, identity.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Authentication credentials were not provided or are invalid")
	default:
		a.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}
