package identity

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrDuplicateEmail     = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingToken       = errors.New("refresh token not provided")
	ErrTokenInvalid       = errors.New("token is invalid or revoked")
	ErrUnauthorized       = errors.New("unauthorized")
)

// TokenError is returned when a presented refresh token cannot be used. It matches ErrTokenInvalid
// and keeps the underlying reason for the response body.
type TokenError struct {
	Reason error
}

func (e *TokenError) Error() string { return e.Reason.Error() }
func (e *TokenError) Unwrap() error { return e.Reason }
func (e *TokenError) Is(target error) bool {
	return target == ErrTokenInvalid
}

// ValidationError carries per-field messages. Nothing is persisted when it is returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
