package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/dermaid/internal/identity"
)

const maxJSONBody = 1 << 20

var errEmptyBody = errors.New("empty body")

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadBody(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
}

// flexInt accepts a JSON number, a numeric string, an empty string or null.
// Browsers posting form-shaped JSON send numbers as strings.
type flexInt struct {
	Value *int
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		f.Value = nil
		return nil
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		f.Value = nil
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.New("age must be an integer")
	}
	f.Value = &n
	return nil
}

type registerRequest struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Age      flexInt `json:"age"`
	Gender   string  `json:"gender"`
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w, err)
		return
	}
	u, err := a.Identity.Signup(r.Context(), identity.SignupInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Age:      req.Age.Value,
		Gender:   req.Gender,
	})
	a.metrics.AuthEvent("register", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Signup successful!",
		"id":      u.ID,
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w, err)
		return
	}
	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}
	if identifier == "" {
		identifier = req.Username
	}

	pair, err := a.Identity.Login(r.Context(), identifier, req.Password)
	a.metrics.AuthEvent("login", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  pair.Access,
		"refresh_token": pair.Refresh,
		"message":       "Login successful!",
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Refresh      string `json:"refresh"`
}

func (req refreshRequest) token() string {
	if req.RefreshToken != "" {
		return req.RefreshToken
	}
	return req.Refresh
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBadBody(w, err)
		return
	}
	access, err := a.Identity.Refresh(r.Context(), req.token())
	a.metrics.AuthEvent("refresh", err)
	if errors.Is(err, identity.ErrTokenInvalid) {
		writeError(w, http.StatusUnauthorized, codeTokenInvalid, err.Error())
		return
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBadBody(w, err)
		return
	}
	err := a.Identity.Logout(r.Context(), req.token())
	a.metrics.AuthEvent("logout", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusResetContent, map[string]string{"message": "Logout successful!"})
}

// HandleVerify reports whether an access token is currently valid.
// The token comes from the body or the Authorization header.
func (a *App) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBadBody(w, err)
		return
	}
	tok := req.Token
	if tok == "" {
		tok = bearerToken(r)
	}
	if tok == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Token is required")
		return
	}

	claims, err := a.Tokens.ValidateAccess(tok)
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "Token is invalid or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"user_id": claims.UserID,
		"exp":     claims.ExpiresAt.Unix(),
	})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.log.WarnContext(r.Context(), "readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
