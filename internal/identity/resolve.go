package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/example/dermaid/internal/store"
)

type identifierKind int

const (
	asEmail identifierKind = iota
	asUsername
)

// lookupOrder classifies a login identifier. It is tried as an email first and then, literally,
// as a username. Stored emails always contain "@", so identifiers without one skip the email lookup.
func lookupOrder(identifier string) []identifierKind {
	if !strings.Contains(identifier, "@") {
		return []identifierKind{asUsername}
	}
	return []identifierKind{asEmail, asUsername}
}

// ResolveIdentifier returns the user an identifier refers to, or store.ErrNotFound.
func ResolveIdentifier(ctx context.Context, users store.Users, identifier string) (*store.User, error) {
	for _, kind := range lookupOrder(identifier) {
		var u *store.User
		var err error
		switch kind {
		case asEmail:
			u, err = users.GetUserByEmail(ctx, identifier)
		case asUsername:
			u, err = users.GetUserByUsername(ctx, identifier)
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		return u, err
	}
	return nil, store.ErrNotFound
}
