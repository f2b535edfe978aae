package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/example/dermaid/internal/identity"
)

func (a *App) HandleProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := userIDFrom(r.Context())
	p, err := a.Identity.GetProfile(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdateProfile accepts either a JSON object or a multipart form. Only the fields present
// in the request are changed; a multipart "profile_picture" file replaces the picture.
func (a *App) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var patch identity.ProfilePatch
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		patch, err = a.patchFromMultipart(w, r)
	} else {
		patch, err = patchFromJSON(w, r)
	}
	if err != nil {
		var verr *identity.ValidationError
		if errors.As(err, &verr) {
			a.writeServiceError(w, r, err)
			return
		}
		writeBadBody(w, err)
		return
	}

	if patch.Picture != nil {
		if c, ok := patch.Picture.Body.(io.Closer); ok {
			defer c.Close()
		}
	}

	id, _ := userIDFrom(r.Context())
	p, err := a.Identity.UpdateProfile(r.Context(), id, patch)
	a.metrics.AuthEvent("profile_update", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func patchFromJSON(w http.ResponseWriter, r *http.Request) (identity.ProfilePatch, error) {
	var patch identity.ProfilePatch
	var raw map[string]json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		return patch, err
	}

	v := &identity.ValidationError{Fields: map[string]string{}}
	str := func(field string) *string {
		msg, ok := raw[field]
		if !ok {
			return nil
		}
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			v.Fields[field] = "Not a valid string."
			return nil
		}
		return &s
	}
	patch.Username = str("username")
	patch.Email = str("email")
	if msg, ok := raw["gender"]; ok && string(msg) == "null" {
		empty := ""
		patch.Gender = &empty
	} else {
		patch.Gender = str("gender")
	}
	if msg, ok := raw["age"]; ok {
		var age flexInt
		if err := json.Unmarshal(msg, &age); err != nil {
			v.Fields["age"] = "A valid integer is required."
		} else {
			patch.SetAge = true
			patch.Age = age.Value
		}
	}
	if msg, ok := raw["profile_picture"]; ok {
		if s := strings.TrimSpace(string(msg)); s == "null" || s == `""` {
			patch.ClearPicture = true
		} else {
			v.Fields["profile_picture"] = "Upload the picture as multipart form data."
		}
	}
	if len(v.Fields) > 0 {
		return patch, v
	}
	return patch, nil
}

func (a *App) patchFromMultipart(w http.ResponseWriter, r *http.Request) (identity.ProfilePatch, error) {
	var patch identity.ProfilePatch
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(a.cfg.MaxUploadBytes); err != nil {
		return patch, err
	}

	form := r.MultipartForm.Value
	value := func(field string) *string {
		vals, ok := form[field]
		if !ok || len(vals) == 0 {
			return nil
		}
		s := vals[0]
		return &s
	}
	patch.Username = value("username")
	patch.Email = value("email")
	patch.Gender = value("gender")
	if s := value("age"); s != nil {
		var age flexInt
		b, _ := json.Marshal(*s)
		if err := age.UnmarshalJSON(b); err != nil {
			return patch, &identity.ValidationError{Fields: map[string]string{"age": "A valid integer is required."}}
		}
		patch.SetAge = true
		patch.Age = age.Value
	}

	if files := r.MultipartForm.File["profile_picture"]; len(files) > 0 {
		fh := files[0]
		f, err := fh.Open()
		if err != nil {
			return patch, err
		}
		patch.Picture = &identity.Upload{Filename: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Body: f}
	} else if s := value("profile_picture"); s != nil && *s == "" {
		patch.ClearPicture = true
	}
	return patch, nil
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w, err)
		return
	}
	id, _ := userIDFrom(r.Context())
	err := a.Identity.ChangePassword(r.Context(), id, req.OldPassword, req.NewPassword)
	a.metrics.AuthEvent("password_change", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully!"})
}
