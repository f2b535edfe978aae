// Package identity implements signup, login, token lifecycle and profile access on top of the
// credential store and the token issuer.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/dermaid/internal/store"
	"github.com/example/dermaid/internal/token"
)

// Hasher is the one-way password primitive.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) bool
}

type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(b), err
}

func (h BcryptHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Tokens is the part of token.Issuer the service depends on.
type Tokens interface {
	Issue(userID int64) (token.Pair, error)
	ValidateAccess(tok string) (*token.Claims, error)
	Refresh(ctx context.Context, refresh string) (string, error)
	Revoke(ctx context.Context, refresh string) (*token.Claims, error)
}

// Media stores uploaded profile pictures and returns a reference to keep on the user record.
type Media interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Service struct {
	users  store.Users
	hasher Hasher
	tokens Tokens
	media  Media
	log    *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

func NewService(users store.Users, hasher Hasher, tokens Tokens, media Media, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, hasher: hasher, tokens: tokens, media: media, log: logger}
}

type SignupInput struct {
	Username string
	Email    string
	Password string
	Age      *int
	Gender   string
}

// Profile is the public view of a user. The password hash never leaves the service.
type Profile struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	Age            *int    `json:"age"`
	Gender         *string `json:"gender"`
	ProfilePicture *string `json:"profile_picture"`
}

func profileOf(u *store.User) Profile {
	p := Profile{ID: u.ID, Username: u.Username, Email: u.Email, Age: u.Age}
	if u.Gender != store.GenderUnset {
		g := string(u.Gender)
		p.Gender = &g
	}
	if u.ProfilePicture != "" {
		pic := u.ProfilePicture
		p.ProfilePicture = &pic
	}
	return p
}

// Upload is a profile picture as received from the client.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// ProfilePatch lists the fields to change. Nil pointers leave a field untouched; SetAge with a
// nil Age clears it, as does an empty Gender.
type ProfilePatch struct {
	Username     *string
	Email        *string
	SetAge       bool
	Age          *int
	Gender       *string
	Picture      *Upload
	ClearPicture bool
}

func (s *Service) Signup(ctx context.Context, in SignupInput) (*store.User, error) {
	v := &ValidationError{}
	validateUsername(v, in.Username)
	validateEmail(v, in.Email)
	if in.Password == "" {
		v.add("password", "This field is required.")
	}
	validateAge(v, in.Age)
	gender := validateGender(v, in.Gender)
	if err := v.orNil(); err != nil {
		return nil, err
	}

	if _, err := s.users.GetUserByUsername(ctx, in.Username); err == nil {
		return nil, ErrDuplicateUsername
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up username: %w", err)
	}
	if _, err := s.users.GetUserByEmail(ctx, in.Email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up email: %w", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u, err := s.users.CreateUser(ctx, &store.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Age:          in.Age,
		Gender:       gender,
		IsActive:     true,
	})
	if err != nil {
		// a concurrent signup won the race between the lookups and the insert
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Field == "email" {
				return nil, ErrDuplicateEmail
			}
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	s.log.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

func (s *Service) compareDummy(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("dermaid-timing-equalizer")
	})
	s.hasher.Compare(s.dummyHash, password)
}

// Login verifies identifier and password and issues a token pair. Every failure is reported as
// ErrInvalidCredentials so callers cannot tell unknown accounts from wrong passwords.
func (s *Service) Login(ctx context.Context, identifier, password string) (token.Pair, error) {
	if identifier == "" || password == "" {
		return token.Pair{}, ErrInvalidCredentials
	}
	u, err := ResolveIdentifier(ctx, s.users, identifier)
	if errors.Is(err, store.ErrNotFound) {
		s.compareDummy(password)
		return token.Pair{}, ErrInvalidCredentials
	}
	if err != nil {
		return token.Pair{}, fmt.Errorf("resolving identifier: %w", err)
	}
	if !s.hasher.Compare(u.PasswordHash, password) || !u.IsActive {
		return token.Pair{}, ErrInvalidCredentials
	}

	pair, err := s.tokens.Issue(u.ID)
	if err != nil {
		return token.Pair{}, err
	}
	s.log.InfoContext(ctx, "user logged in", "user_id", u.ID)
	return pair, nil
}

func (s *Service) tokenFailure(err error) error {
	if token.IsTokenError(err) {
		return &TokenError{Reason: err}
	}
	return err
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refresh string) (string, error) {
	if refresh == "" {
		return "", ErrMissingToken
	}
	access, err := s.tokens.Refresh(ctx, refresh)
	if err != nil {
		return "", s.tokenFailure(err)
	}
	return access, nil
}

// Logout revokes a refresh token. Malformed, expired and already revoked tokens all yield a *TokenError.
func (s *Service) Logout(ctx context.Context, refresh string) error {
	if refresh == "" {
		return ErrMissingToken
	}
	claims, err := s.tokens.Revoke(ctx, refresh)
	if err != nil {
		return s.tokenFailure(err)
	}
	s.log.InfoContext(ctx, "refresh token revoked", "user_id", claims.UserID, "jti", claims.ID)
	return nil
}

func (s *Service) activeUser(ctx context.Context, userID int64) (*store.User, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !u.IsActive {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// Authenticate validates an access token and returns the id of the active user it belongs to.
func (s *Service) Authenticate(ctx context.Context, access string) (int64, error) {
	if access == "" {
		return 0, ErrUnauthorized
	}
	claims, err := s.tokens.ValidateAccess(access)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	u, err := s.activeUser(ctx, claims.UserID)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (s *Service) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return profileOf(u), nil
}

func (s *Service) checkTaken(ctx context.Context, v *ValidationError, field string, self int64, lookup func(context.Context, string) (*store.User, error), value string) error {
	other, err := lookup(ctx, value)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("looking up %s: %w", field, err)
	}
	if other.ID != self {
		v.add(field, "A user with that "+field+" already exists.")
	}
	return nil
}

type picture struct {
	data        []byte
	format      string
	contentType string
}

func readPicture(v *ValidationError, up *Upload) *picture {
	data, err := io.ReadAll(up.Body)
	if err != nil || len(data) == 0 {
		v.add("profile_picture", "The submitted file is empty.")
		return nil
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		v.add("profile_picture", "Upload a valid image. The file you uploaded was either not an image or a corrupted image.")
		return nil
	}
	return &picture{data: data, format: format, contentType: "image/" + format}
}

// UpdateProfile applies a partial update. All field errors are collected and returned together;
// when any is present nothing is written.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, patch ProfilePatch) (Profile, error) {
	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	v := &ValidationError{}
	next := *u
	if patch.Username != nil {
		validateUsername(v, *patch.Username)
		if _, bad := v.Fields["username"]; !bad && *patch.Username != u.Username {
			if err := s.checkTaken(ctx, v, "username", u.ID, s.users.GetUserByUsername, *patch.Username); err != nil {
				return Profile{}, err
			}
		}
		next.Username = *patch.Username
	}
	if patch.Email != nil {
		validateEmail(v, *patch.Email)
		if _, bad := v.Fields["email"]; !bad && *patch.Email != u.Email {
			if err := s.checkTaken(ctx, v, "email", u.ID, s.users.GetUserByEmail, *patch.Email); err != nil {
				return Profile{}, err
			}
		}
		next.Email = *patch.Email
	}
	if patch.SetAge {
		validateAge(v, patch.Age)
		next.Age = patch.Age
	}
	if patch.Gender != nil {
		next.Gender = validateGender(v, *patch.Gender)
	}
	var pic *picture
	if patch.Picture != nil {
		if s.media == nil {
			v.add("profile_picture", "Uploads are not enabled.")
		} else {
			pic = readPicture(v, patch.Picture)
		}
	} else if patch.ClearPicture {
		next.ProfilePicture = ""
	}
	if err := v.orNil(); err != nil {
		return Profile{}, err
	}

	var key string
	if pic != nil {
		key = fmt.Sprintf("profiles/%d/%s.%s", u.ID, uuid.NewString(), pic.format)
		ref, err := s.media.Put(ctx, key, bytes.NewReader(pic.data), pic.contentType)
		if err != nil {
			return Profile{}, fmt.Errorf("storing profile picture: %w", err)
		}
		next.ProfilePicture = ref
	}

	if err := s.users.UpdateUser(ctx, &next); err != nil {
		if key != "" {
			s.discardPicture(ctx, key)
		}
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			v.add(conflict.Field, "A user with that "+conflict.Field+" already exists.")
			return Profile{}, v
		}
		return Profile{}, fmt.Errorf("updating user: %w", err)
	}
	s.log.InfoContext(ctx, "profile updated", "user_id", u.ID)
	return profileOf(&next), nil
}

// discardPicture removes a blob whose user update failed. A failed delete leaves an
// orphaned file and is only logged.
func (s *Service) discardPicture(ctx context.Context, key string) {
	if err := s.media.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.log.WarnContext(ctx, "orphaned profile picture", "key", key, "err", err)
	}
}

// ChangePassword replaces the password after verifying the current one. Issued tokens stay valid.
func (s *Service) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	v := &ValidationError{}
	if oldPassword == "" {
		v.add("old_password", "This field is required.")
	}
	if newPassword == "" {
		v.add("new_password", "This field is required.")
	}
	if err := v.orNil(); err != nil {
		return err
	}
	if !s.hasher.Compare(u.PasswordHash, oldPassword) {
		v.add("old_password", "Wrong password.")
		return v
	}
	if newPassword == oldPassword {
		v.add("new_password", "The new password must differ from the current one.")
		return v
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u.PasswordHash = hash
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	s.log.InfoContext(ctx, "password changed", "user_id", u.ID)
	return nil
}
