// Package store persists user records and the refresh-token revocation list.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyRevoked = errors.New("already revoked")
)

// ConflictError reports a violated uniqueness constraint on Field ("username" or "email").
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists", e.Field)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Gender string

const (
	GenderUnset  Gender = ""
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
	GenderOther  Gender = "O"
)

type User struct {
	ID             int64
	Username       string
	Email          string
	PasswordHash   string
	Age            *int
	Gender         Gender
	ProfilePicture string
	IsActive       bool
	IsStaff        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Users is the credential store. Getters return ErrNotFound when no record matches;
// CreateUser and UpdateUser return a *ConflictError when username or email is taken.
type Users interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
}

// Revocations records refresh-token ids that must never be honoured again.
// Revoke returns ErrAlreadyRevoked when jti is already present.
type Revocations interface {
	Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Store is implemented by the database adapters.
type Store interface {
	Users
	Revocations
	// PurgeExpired drops revocation entries whose token has expired on its own.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
