package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const userColumns = `id,username,email,password_hash,age,gender,profile_picture,is_active,is_staff,created_at,updated_at`

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps ":memory:" databases shared
	d.SetMaxOpenConns(1)
	s := &SQLite{db: d}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			age INTEGER,
			gender TEXT NOT NULL DEFAULT '',
			profile_picture TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			is_staff INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS token_blacklist (
			jti TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS token_blacklist_expires_at_idx ON token_blacklist(expires_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var u User
	var age sql.NullInt64
	var gender string
	var active, staff int
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &age, &gender, &u.ProfilePicture, &active, &staff, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if age.Valid {
		a := int(age.Int64)
		u.Age = &a
	}
	u.Gender = Gender(gender)
	u.IsActive = active != 0
	u.IsStaff = staff != 0
	u.CreatedAt = time.Unix(created, 0).UTC()
	u.UpdatedAt = time.Unix(updated, 0).UTC()
	return &u, nil
}

// sqliteConflict maps "UNIQUE constraint failed: users.<column>" to a ConflictError.
func sqliteConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "users.username"):
		return &ConflictError{Field: "username"}
	case strings.Contains(msg, "users.email"):
		return &ConflictError{Field: "email"}
	}
	return err
}

func nullableAge(age *int) any {
	if age == nil {
		return nil
	}
	return int64(*age)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) CreateUser(ctx context.Context, u *User) (*User, error) {
	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username,email,password_hash,age,gender,profile_picture,is_active,is_staff,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		u.Username, u.Email, u.PasswordHash, nullableAge(u.Age), string(u.Gender), u.ProfilePicture, boolInt(u.IsActive), boolInt(u.IsStaff), now.Unix(), now.Unix())
	if err != nil {
		return nil, sqliteConflict(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	c := clone(u)
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

func (s *SQLite) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *SQLite) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (s *SQLite) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, email = ?, password_hash = ?, age = ?, gender = ?, profile_picture = ?, is_active = ?, is_staff = ?, updated_at = ? WHERE id = ?`,
		u.Username, u.Email, u.PasswordHash, nullableAge(u.Age), string(u.Gender), u.ProfilePicture, boolInt(u.IsActive), boolInt(u.IsStaff), time.Now().Unix(), u.ID)
	if err != nil {
		return sqliteConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO token_blacklist(jti,user_id,expires_at,created_at) VALUES(?,?,?,?)`,
		jti, userID, expiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyRevoked
	}
	return nil
}

func (s *SQLite) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE jti = ?)`, jti).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists != 0, nil
}

func (s *SQLite) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_blacklist WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }
