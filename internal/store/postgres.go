package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Postgres relies on migrations for its schema.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &Postgres{db: d}
	if err := p.Ping(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func scanPostgresUser(row rowScanner) (*User, error) {
	var u User
	var age sql.NullInt64
	var gender string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &age, &gender, &u.ProfilePicture, &u.IsActive, &u.IsStaff, &u.CreatedAt, &u.UpdatedAt); err != nil {
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
	return &u, nil
}

// postgresConflict maps unique violations on the users_username_key and users_email_key constraints.
func postgresConflict(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch {
	case strings.Contains(pqErr.Constraint, "username"):
		return &ConflictError{Field: "username"}
	case strings.Contains(pqErr.Constraint, "email"):
		return &ConflictError{Field: "email"}
	}
	return err
}

func (p *Postgres) CreateUser(ctx context.Context, u *User) (*User, error) {
	c := clone(u)
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(username,email,password_hash,age,gender,profile_picture,is_active,is_staff,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,now(),now()) RETURNING id,created_at,updated_at`,
		u.Username, u.Email, u.PasswordHash, nullableAge(u.Age), string(u.Gender), u.ProfilePicture, u.IsActive, u.IsStaff,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, postgresConflict(err)
	}
	return c, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanPostgresUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanPostgresUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanPostgresUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (p *Postgres) UpdateUser(ctx context.Context, u *User) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET username = $1, email = $2, password_hash = $3, age = $4, gender = $5, profile_picture = $6, is_active = $7, is_staff = $8, updated_at = now() WHERE id = $9`,
		u.Username, u.Email, u.PasswordHash, nullableAge(u.Age), string(u.Gender), u.ProfilePicture, u.IsActive, u.IsStaff, u.ID)
	if err != nil {
		return postgresConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Revoke(ctx context.Context, jti string, userID int64, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO token_blacklist(jti,user_id,expires_at,created_at) VALUES($1,$2,$3,now()) ON CONFLICT (jti) DO NOTHING`,
		jti, userID, expiresAt.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyRevoked
	}
	return nil
}

func (p *Postgres) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE jti = $1)`, jti).Scan(&exists)
	return exists, err
}

func (p *Postgres) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM token_blacklist WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }
