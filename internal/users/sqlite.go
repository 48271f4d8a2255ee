package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteDirectory struct {
	db *sql.DB
}

var _ WritableDirectory = (*SQLiteDirectory)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLiteDirectory, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	d := &SQLiteDirectory{db: db}
	if err := d.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLiteDirectory) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            email TEXT PRIMARY KEY,
            password_hash TEXT NOT NULL DEFAULT '',
            api_key_hash TEXT NOT NULL DEFAULT '',
            is_active INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL,
            last_login INTEGER NOT NULL DEFAULT 0
        );`,
	}
	for _, statement := range statements {
		if _, err := d.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (d *SQLiteDirectory) Upsert(ctx context.Context, cred Credential) error {
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := `INSERT INTO users (email, password_hash, api_key_hash, is_active, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(email) DO UPDATE SET
            password_hash = excluded.password_hash,
            api_key_hash = excluded.api_key_hash,
            is_active = excluded.is_active;`
	_, err := d.db.ExecContext(ctx, query, NormalizeIdentifier(cred.Email), cred.PasswordHash, cred.APIKeyHash, cred.Active, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (d *SQLiteDirectory) Lookup(ctx context.Context, email string) (Credential, error) {
	var cred Credential
	var createdAt, lastLogin int64
	row := d.db.QueryRowContext(ctx, `SELECT email, password_hash, api_key_hash, is_active, created_at, last_login
        FROM users WHERE email = ?;`, NormalizeIdentifier(email))
	if err := row.Scan(&cred.Email, &cred.PasswordHash, &cred.APIKeyHash, &cred.Active, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrUnknownUser
		}
		return Credential{}, fmt.Errorf("lookup user: %w", err)
	}
	cred.CreatedAt = time.Unix(createdAt, 0)
	if lastLogin > 0 {
		cred.LastLogin = time.Unix(lastLogin, 0)
	}
	return cred, nil
}

func (d *SQLiteDirectory) List(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT email FROM users ORDER BY email ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	emails := []string{}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return emails, nil
}

// TouchLogin records a successful API login.
func (d *SQLiteDirectory) TouchLogin(ctx context.Context, email string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE email = ?;`, now.Unix(), NormalizeIdentifier(email))
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return nil
}
