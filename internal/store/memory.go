package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps everything in process. Not for production use.
type Memory struct {
	mu         sync.RWMutex
	users      map[int64]*User
	byUsername map[string]int64
	byEmail    map[string]int64
	revoked    map[string]time.Time
	seq        int64
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:      map[int64]*User{},
		byUsername: map[string]int64{},
		byEmail:    map[string]int64{},
		revoked:    map[string]time.Time{},
		now:        time.Now,
	}
}

func clone(u *User) *User {
	c := *u
	if u.Age != nil {
		age := *u.Age
		c.Age = &age
	}
	return &c
}

func (m *Memory) CreateUser(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUsername[u.Username]; ok {
		return nil, &ConflictError{Field: "username"}
	}
	if _, ok := m.byEmail[u.Email]; ok {
		return nil, &ConflictError{Field: "email"}
	}

	m.seq++
	c := clone(u)
	c.ID = m.seq
	c.CreatedAt = m.now().UTC()
	c.UpdatedAt = c.CreatedAt
	m.users[c.ID] = c
	m.byUsername[c.Username] = c.ID
	m.byEmail[c.Email] = c.ID
	return clone(c), nil
}

func (m *Memory) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(u), nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.users[id]), nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.users[id]), nil
}

func (m *Memory) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if id, ok := m.byUsername[u.Username]; ok && id != u.ID {
		return &ConflictError{Field: "username"}
	}
	if id, ok := m.byEmail[u.Email]; ok && id != u.ID {
		return &ConflictError{Field: "email"}
	}

	delete(m.byUsername, cur.Username)
	delete(m.byEmail, cur.Email)
	c := clone(u)
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = m.now().UTC()
	m.users[c.ID] = c
	m.byUsername[c.Username] = c.ID
	m.byEmail[c.Email] = c.ID
	return nil
}

func (m *Memory) Revoke(_ context.Context, jti string, _ int64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[jti]; ok {
		return ErrAlreadyRevoked
	}
	m.revoked[jti] = expiresAt
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *Memory) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, jti)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
