// Package token issues and validates the signed access and refresh tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/dermaid/internal/store"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	ErrMalformed = errors.New("token is malformed or has an invalid signature")
	ErrExpired   = errors.New("token is expired")
	ErrWrongType = errors.New("token has wrong type")
	ErrRevoked   = errors.New("token is blacklisted")
)

// Claims is the payload of both token kinds. RegisteredClaims.ID carries the jti.
type Claims struct {
	UserID    int64  `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Pair is what a successful login hands back.
type Pair struct {
	Access  string
	Refresh string
}

// Blacklist records revoked refresh tokens by jti.
type Blacklist interface {
	Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  Blacklist
	now        func() time.Time
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, blacklist Blacklist) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blacklist:  blacklist,
		now:        time.Now,
	}
}

func (i *Issuer) sign(userID int64, tokenType string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		UserID:    userID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Issue mints a fresh access and refresh token for userID.
func (i *Issuer) Issue(userID int64) (Pair, error) {
	access, err := i.sign(userID, TypeAccess, i.accessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("signing access token: %w", err)
	}
	refresh, err := i.sign(userID, TypeRefresh, i.refreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("signing refresh token: %w", err)
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

func (i *Issuer) parse(tok, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.TokenType != wantType {
		return nil, ErrWrongType
	}
	if claims.ID == "" || claims.UserID <= 0 {
		return nil, ErrMalformed
	}
	return claims, nil
}

// ValidateAccess checks signature, expiry and type of an access token.
func (i *Issuer) ValidateAccess(tok string) (*Claims, error) {
	return i.parse(tok, TypeAccess)
}

// ValidateRefresh additionally rejects refresh tokens that have been revoked.
func (i *Issuer) ValidateRefresh(ctx context.Context, tok string) (*Claims, error) {
	claims, err := i.parse(tok, TypeRefresh)
	if err != nil {
		return nil, err
	}
	revoked, err := i.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("checking blacklist: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Refresh exchanges a live refresh token for a new access token. The refresh token stays usable.
func (i *Issuer) Refresh(ctx context.Context, refresh string) (string, error) {
	claims, err := i.ValidateRefresh(ctx, refresh)
	if err != nil {
		return "", err
	}
	access, err := i.sign(claims.UserID, TypeAccess, i.accessTTL)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return access, nil
}

// Revoke moves a live refresh token to the revoked state. Revoking twice fails with ErrRevoked.
func (i *Issuer) Revoke(ctx context.Context, refresh string) (*Claims, error) {
	claims, err := i.ValidateRefresh(ctx, refresh)
	if err != nil {
		return nil, err
	}
	err = i.blacklist.Revoke(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time)
	if errors.Is(err, store.ErrAlreadyRevoked) {
		return nil, ErrRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("recording revocation: %w", err)
	}
	return claims, nil
}

// IsTokenError reports whether err describes a rejected token rather than an infrastructure failure.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrWrongType) || errors.Is(err, ErrRevoked)
}
