package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgConn is the subset of *pgxpool.Pool the directory needs.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory reads accounts from a Postgres users table.
type PostgresDirectory struct {
	pool pgConn
}

var _ WritableDirectory = (*PostgresDirectory)(nil)

// NewPostgresDirectory ensures the users table exists and returns a directory
// over it.
func NewPostgresDirectory(ctx context.Context, pool pgConn) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool}
	if err := d.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure users schema: %w", err)
	}
	slog.Info("postgres user directory initialised")
	return d, nil
}

func (d *PostgresDirectory) ensureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            BIGSERIAL PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			api_key_hash  TEXT NOT NULL DEFAULT '',
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			last_login    TIMESTAMPTZ
		);
	`)
	return err
}

func (d *PostgresDirectory) Lookup(ctx context.Context, email string) (Credential, error) {
	var cred Credential
	var lastLogin *time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT email, password_hash, api_key_hash, is_active, created_at, last_login
		FROM users
		WHERE email = $1
		LIMIT 1
	`, NormalizeIdentifier(email)).Scan(&cred.Email, &cred.PasswordHash, &cred.APIKeyHash, &cred.Active, &cred.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrUnknownUser
		}
		return Credential{}, fmt.Errorf("lookup user: %w", err)
	}
	if lastLogin != nil {
		cred.LastLogin = *lastLogin
	}
	return cred, nil
}

func (d *PostgresDirectory) List(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT email FROM users ORDER BY email ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return emails, nil
}

func (d *PostgresDirectory) Upsert(ctx context.Context, cred Credential) error {
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO users (email, password_hash, api_key_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			api_key_hash  = EXCLUDED.api_key_hash,
			is_active     = EXCLUDED.is_active
	`, NormalizeIdentifier(cred.Email), cred.PasswordHash, cred.APIKeyHash, cred.Active, createdAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) TouchLogin(ctx context.Context, email string, now time.Time) error {
	_, err := d.pool.Exec(ctx, `UPDATE users SET last_login = $1 WHERE email = $2`, now, NormalizeIdentifier(email))
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return nil
}
