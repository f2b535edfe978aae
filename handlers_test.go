package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	cfg "github.com/example/dermaid/internal/config"
	"github.com/example/dermaid/internal/identity"
	"github.com/example/dermaid/internal/inference"
	"github.com/example/dermaid/internal/media"
	"github.com/example/dermaid/internal/store"
	"github.com/example/dermaid/internal/token"
)

type stubClassifier struct {
	pred inference.Prediction
	err  error
}

func (s stubClassifier) Classify(context.Context, image.Image) (inference.Prediction, error) {
	return s.pred, s.err
}

func testConfig() *cfg.Config {
	return &cfg.Config{
		Port:               "8000",
		DBAdapter:          "memory",
		JwtSecret:          "test-secret",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    24 * time.Hour,
		CORSAllowedOrigins: []string{"http://localhost:3000"},
		MaxUploadBytes:     1 << 20,
	}
}

type testServer struct {
	app      *App
	handler  http.Handler
	mediaDir string
}

func newTestServer(t *testing.T, c *cfg.Config, classifier inference.Classifier) *testServer {
	t.Helper()
	if c == nil {
		c = testConfig()
	}
	st := store.NewMemory()
	dir := t.TempDir()
	local, err := media.NewLocalStore(dir)
	require.NoError(t, err)

	app := NewApp(c, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Store:      st,
		Tokens:     token.NewIssuer(c.JwtSecret, c.AccessTokenTTL, c.RefreshTokenTTL, st),
		Hasher:     identity.BcryptHasher{Cost: bcrypt.MinCost},
		Media:      local,
		MediaDir:   dir,
		Classifier: classifier,
	})
	return &testServer{app: app, handler: app.Router(), mediaDir: dir}
}

func (s *testServer) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, username, email, password string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/register", map[string]any{
		"username": username, "email": email, "password": password,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) login(t *testing.T, identifier, password string) (string, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/login", map[string]string{"identifier": identifier, "password": password}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["access_token"], out["refresh_token"]
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/register", map[string]any{
		"username": "alice", "email": "alice@example.com", "password": "s3cret", "age": "31", "gender": "female",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "Signup successful!", reg["message"])
	assert.NotZero(t, reg["id"])

	rec = s.do(t, http.MethodPost, "/login", map[string]string{"identifier": "alice@example.com", "password": "s3cret"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	login := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "Login successful!", login["message"])
	access, refresh := login["access_token"], login["refresh_token"]
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	rec = s.do(t, http.MethodGet, "/profile", nil, access)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[identity.Profile](t, rec)
	assert.Equal(t, "alice", p.Username)
	require.NotNil(t, p.Age)
	assert.Equal(t, 31, *p.Age)
	require.NotNil(t, p.Gender)
	assert.Equal(t, "F", *p.Gender)
	assert.Nil(t, p.ProfilePicture)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(t, http.MethodPost, "/refresh", map[string]string{"refresh_token": refresh}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["access_token"])

	rec = s.do(t, http.MethodPost, "/logout", map[string]string{"refresh_token": refresh}, "")
	require.Equal(t, http.StatusResetContent, rec.Code)
	assert.Equal(t, "Logout successful!", decodeBody[map[string]string](t, rec)["message"])

	rec = s.do(t, http.MethodPost, "/refresh", map[string]string{"refresh_token": refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeTokenInvalid, decodeBody[APIError](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/logout", map[string]string{"refresh_token": refresh}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeTokenInvalid, decodeBody[APIError](t, rec).Code)

	// access tokens are not revoked by logout
	rec = s.do(t, http.MethodGet, "/profile", nil, access)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginByUsernameAndLegacyFields(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "bob", "bob@example.com", "pw")

	for _, body := range []map[string]string{
		{"identifier": "bob", "password": "pw"},
		{"username": "bob", "password": "pw"},
		{"email": "bob@example.com", "password": "pw"},
	} {
		rec := s.do(t, http.MethodPost, "/login", body, "")
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "bob", "bob@example.com", "pw")

	for _, body := range []map[string]string{
		{"identifier": "bob", "password": "wrong"},
		{"identifier": "nobody", "password": "pw"},
		{"identifier": "nobody@example.com", "password": "pw"},
		{"identifier": "bob"},
	} {
		rec := s.do(t, http.MethodPost, "/login", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, body)
		assert.Equal(t, codeInvalidCredentials, decodeBody[APIError](t, rec).Code)
	}
}

func TestRegisterErrors(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "carol", "carol@example.com", "pw")

	tests := []struct {
		name   string
		body   any
		code   string
		fields []string
	}{
		{"duplicate username", map[string]string{"username": "carol", "email": "other@example.com", "password": "pw"}, codeDuplicateUsername, nil},
		{"duplicate email", map[string]string{"username": "carol2", "email": "carol@example.com", "password": "pw"}, codeDuplicateEmail, nil},
		{"missing fields", map[string]string{}, codeValidation, []string{"username", "email", "password"}},
		{"bad email and gender", map[string]string{"username": "dave", "email": "nope", "password": "pw", "gender": "x"}, codeValidation, []string{"email", "gender"}},
		{"age out of range", map[string]any{"username": "dave", "email": "d@example.com", "password": "pw", "age": 40000}, codeValidation, []string{"age"}},
		{"malformed body", "not an object", codeInvalidRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/register", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			apiErr := decodeBody[APIError](t, rec)
			assert.Equal(t, tt.code, apiErr.Code)
			for _, f := range tt.fields {
				assert.Contains(t, apiErr.Fields, f)
			}
		})
	}
}

func TestRefreshAndLogoutNeedToken(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/logout", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeMissingToken, decodeBody[APIError](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)

	rec = s.do(t, http.MethodPost, "/refresh", map[string]string{"refresh": "garbage"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "erin", "erin@example.com", "pw")
	access, refresh := s.login(t, "erin", "pw")

	rec := s.do(t, http.MethodPost, "/refresh", map[string]string{"refresh_token": access}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// and the refresh token is not accepted as a bearer
	rec = s.do(t, http.MethodGet, "/profile", nil, refresh)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfileRequiresAuth(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/profile", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthorized, decodeBody[APIError](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/profile", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPut, "/profile/update", map[string]string{"username": "x"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateProfileJSON(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "frank", "frank@example.com", "pw")
	s.register(t, "grace", "grace@example.com", "pw")
	access, _ := s.login(t, "frank", "pw")

	rec := s.do(t, http.MethodPut, "/profile/update", map[string]any{"age": "42", "gender": "o"}, access)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decodeBody[identity.Profile](t, rec)
	assert.Equal(t, "frank", p.Username)
	require.NotNil(t, p.Age)
	assert.Equal(t, 42, *p.Age)
	require.NotNil(t, p.Gender)
	assert.Equal(t, "O", *p.Gender)

	rec = s.do(t, http.MethodPut, "/profile/update", map[string]any{"age": nil, "gender": nil}, access)
	require.Equal(t, http.StatusOK, rec.Code)
	p = decodeBody[identity.Profile](t, rec)
	assert.Nil(t, p.Age)
	assert.Nil(t, p.Gender)

	rec = s.do(t, http.MethodPut, "/profile/update", map[string]any{"username": "grace", "email": "bad"}, access)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeBody[APIError](t, rec)
	assert.Equal(t, codeValidation, apiErr.Code)
	assert.Contains(t, apiErr.Fields, "username")
	assert.Contains(t, apiErr.Fields, "email")

	rec = s.do(t, http.MethodGet, "/profile", nil, access)
	assert.Equal(t, "frank", decodeBody[identity.Profile](t, rec).Username)

	rec = s.do(t, http.MethodPut, "/profile/update", map[string]any{"age": "abc"}, access)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[APIError](t, rec).Fields, "age")
}

func TestUpdateProfileMultipart(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "heidi", "heidi@example.com", "pw")
	access, _ := s.login(t, "heidi", "pw")

	body, ct := multipartBody(t, map[string]string{"username": "heidi2", "age": "28"}, "profile_picture", "me.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPut, "/profile/update", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p := decodeBody[identity.Profile](t, rec)
	assert.Equal(t, "heidi2", p.Username)
	require.NotNil(t, p.ProfilePicture)
	assert.True(t, strings.HasPrefix(*p.ProfilePicture, media.URLPrefix+"profiles/"))
	assert.True(t, strings.HasSuffix(*p.ProfilePicture, ".png"))

	onDisk := filepath.Join(s.mediaDir, filepath.FromSlash(strings.TrimPrefix(*p.ProfilePicture, media.URLPrefix)))
	_, err := os.Stat(onDisk)
	require.NoError(t, err)

	served := s.do(t, http.MethodGet, *p.ProfilePicture, nil, "")
	assert.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, pngBytes(t), served.Body.Bytes())

	body, ct = multipartBody(t, nil, "profile_picture", "notes.txt", []byte("plain text"))
	req = httptest.NewRequest(http.MethodPut, "/profile/update", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[APIError](t, rec).Fields, "profile_picture")
}

func TestChangePassword(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "ivan", "ivan@example.com", "old")
	access, _ := s.login(t, "ivan", "old")

	rec := s.do(t, http.MethodPost, "/password/change", map[string]string{"old_password": "nope", "new_password": "new"}, access)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[APIError](t, rec).Fields, "old_password")

	rec = s.do(t, http.MethodPost, "/password/change", map[string]string{"old_password": "old", "new_password": "new"}, access)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/login", map[string]string{"identifier": "ivan", "password": "old"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	s.login(t, "ivan", "new")
}

func TestAPIPrefixServesSameRoutes(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": "judy", "email": "judy@example.com", "password": "pw",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"identifier": "judy", "password": "pw"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	access := decodeBody[map[string]string](t, rec)["access_token"]

	rec = s.do(t, http.MethodGet, "/api/auth/profile", nil, access)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/unknown", map[string]string{}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerify(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.register(t, "kim", "kim@example.com", "pw")
	access, refresh := s.login(t, "kim", "pw")

	rec := s.do(t, http.MethodPost, "/verify", map[string]string{"token": access}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, out["valid"])
	assert.NotZero(t, out["user_id"])

	rec = s.do(t, http.MethodPost, "/verify", nil, access)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/verify", map[string]string{"token": refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/verify", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func analyzeRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, nil, field, "skin.png", data)
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", ct)
	return req
}

func TestAnalyze(t *testing.T) {
	s := newTestServer(t, nil, stubClassifier{pred: inference.Prediction{Label: "Rosacea", Confidence: 0.87}})

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, analyzeRequest(t, "image", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pred := decodeBody[inference.Prediction](t, rec)
	assert.Equal(t, "Rosacea", pred.Label)
	assert.InDelta(t, 0.87, pred.Confidence, 1e-9)
	assert.Contains(t, rec.Body.String(), `"predicted_label"`)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, analyzeRequest(t, "file", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeNoImage, decodeBody[APIError](t, rec).Code)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, analyzeRequest(t, "image", []byte("definitely not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidImage, decodeBody[APIError](t, rec).Code)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeRejectsOversizedImage(t *testing.T) {
	s := newTestServer(t, nil, stubClassifier{pred: inference.Prediction{Label: "Acne", Confidence: 1}})

	data := pngBytes(t)
	binary.BigEndian.PutUint32(data[16:20], 12000)
	binary.BigEndian.PutUint32(data[20:24], 12000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, analyzeRequest(t, "image", data))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeBody[APIError](t, rec)
	assert.Equal(t, codeInvalidImage, apiErr.Code)
	assert.Equal(t, "Image dimensions are too large", apiErr.Message)
}

func TestAnalyzeClassifierFailure(t *testing.T) {
	s := newTestServer(t, nil, stubClassifier{err: errors.New("model server down")})

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, analyzeRequest(t, "image", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decodeBody[APIError](t, rec)
	assert.Equal(t, codeInternal, apiErr.Code)
	assert.NotContains(t, apiErr.Message, "model server down")
}

func TestAnalyzeWithoutModel(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, analyzeRequest(t, "image", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dermaid_http_requests_total")
}

func TestSweepPurgesExpiredRevocations(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.app.Store.Revoke(ctx, "old", 1, time.Now().Add(-time.Hour)))
	require.NoError(t, s.app.Store.Revoke(ctx, "live", 1, time.Now().Add(time.Hour)))

	s.app.sweep(ctx)

	gone, err := s.app.Store.IsRevoked(ctx, "old")
	require.NoError(t, err)
	assert.False(t, gone)
	kept, err := s.app.Store.IsRevoked(ctx, "live")
	require.NoError(t, err)
	assert.True(t, kept)
}
