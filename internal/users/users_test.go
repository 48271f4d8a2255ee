package users

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var testHasher = BcryptHasher{Cost: bcrypt.MinCost}

func newSeededDirectory(t *testing.T) *SQLiteDirectory {
	t.Helper()
	ctx := context.Background()
	dir, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { dir.Close() })

	seeds := []Seed{
		{Email: "user_a@domain.com", Password: "pw-a", APIKey: "key-a", Active: true},
		{Email: "User_B@Domain.com", Password: "pw-b", APIKey: "key-b", Active: true},
		{Email: "disabled@domain.com", Password: "pw-d", APIKey: "key-d", Active: false},
		{Email: "nopass@domain.com", APIKey: "key-n", Active: true},
	}
	if err := ApplySeeds(ctx, dir, testHasher, seeds, time.Now()); err != nil {
		t.Fatalf("ApplySeeds: %v", err)
	}
	return dir
}

func TestVerifyPassword(t *testing.T) {
	v := NewValidator(newSeededDirectory(t), testHasher)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     string
		password string
		wantErr  error
	}{
		{"valid", "user_a@domain.com", "pw-a", nil},
		{"case insensitive identifier", "  USER_B@domain.com ", "pw-b", nil},
		{"wrong password", "user_a@domain.com", "pw-b", ErrAuthentication},
		{"unknown user", "ghost@domain.com", "pw-a", ErrAuthentication},
		{"empty password", "user_a@domain.com", "", ErrAuthentication},
		{"no password set", "nopass@domain.com", "anything", ErrAuthentication},
		{"inactive", "disabled@domain.com", "pw-d", ErrInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := v.VerifyPassword(ctx, tt.user, tt.password)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("VerifyPassword: %v", err)
				}
				if cred.Email != NormalizeIdentifier(tt.user) {
					t.Errorf("Email = %q", cred.Email)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInactiveIsAuthenticationFailure(t *testing.T) {
	if !errors.Is(ErrInactive, ErrAuthentication) {
		t.Fatal("ErrInactive should wrap ErrAuthentication")
	}
}

func TestVerifyAPIKey(t *testing.T) {
	v := NewValidator(newSeededDirectory(t), testHasher)
	ctx := context.Background()

	if _, err := v.VerifyAPIKey(ctx, "user_a@domain.com", "key-a"); err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if _, err := v.VerifyAPIKey(ctx, "user_a@domain.com", "pw-a"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("password accepted as api key: %v", err)
	}
	if _, err := v.VerifyAPIKey(ctx, "nopass@domain.com", "key-n"); err != nil {
		t.Errorf("api key for account without password: %v", err)
	}
	if _, err := v.VerifyAPIKey(ctx, "disabled@domain.com", "key-d"); !errors.Is(err, ErrInactive) {
		t.Errorf("inactive api key error = %v", err)
	}
}

func TestSecretsStoredHashed(t *testing.T) {
	dir := newSeededDirectory(t)
	cred, err := dir.Lookup(context.Background(), "user_a@domain.com")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cred.PasswordHash == "pw-a" || cred.APIKeyHash == "key-a" {
		t.Fatal("secret stored in plain text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte("pw-a")); err != nil {
		t.Errorf("stored password hash does not verify: %v", err)
	}
}

func TestResolveAndList(t *testing.T) {
	v := NewValidator(newSeededDirectory(t), testHasher)
	ctx := context.Background()

	if _, err := v.Resolve(ctx, "ghost@domain.com"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Resolve unknown = %v, want ErrUnknownUser", err)
	}
	if _, err := v.Resolve(ctx, ""); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Resolve empty = %v, want ErrUnknownUser", err)
	}

	emails, err := v.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	want := []string{"disabled@domain.com", "nopass@domain.com", "user_a@domain.com", "user_b@domain.com"}
	if len(emails) != len(want) {
		t.Fatalf("Users = %v, want %v", emails, want)
	}
	for i := range want {
		if emails[i] != want[i] {
			t.Errorf("Users[%d] = %q, want %q", i, emails[i], want[i])
		}
	}
}

func TestUpsertReplacesSecrets(t *testing.T) {
	ctx := context.Background()
	dir := newSeededDirectory(t)
	v := NewValidator(dir, testHasher)

	err := ApplySeeds(ctx, dir, testHasher, []Seed{{Email: "user_a@domain.com", Password: "rotated", Active: true}}, time.Now())
	if err != nil {
		t.Fatalf("ApplySeeds: %v", err)
	}
	if _, err := v.VerifyPassword(ctx, "user_a@domain.com", "pw-a"); !errors.Is(err, ErrAuthentication) {
		t.Errorf("old password still accepted: %v", err)
	}
	if _, err := v.VerifyPassword(ctx, "user_a@domain.com", "rotated"); err != nil {
		t.Errorf("rotated password rejected: %v", err)
	}
}

func TestSQLiteTouchLoginAndFileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.db")
	dir, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer dir.Close()

	if err := dir.Upsert(ctx, Credential{Email: "a@domain.com", Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	now := time.Unix(1700000000, 0)
	if err := dir.TouchLogin(ctx, "A@domain.com", now); err != nil {
		t.Fatalf("TouchLogin: %v", err)
	}
	cred, err := dir.Lookup(ctx, "a@domain.com")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !cred.LastLogin.Equal(now) {
		t.Errorf("LastLogin = %v, want %v", cred.LastLogin, now)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestPostgresDirectory(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	dir, err := NewPostgresDirectory(ctx, pool)
	if err != nil {
		t.Fatalf("NewPostgresDirectory: %v", err)
	}
	email := "pgtest-" + time.Now().Format("150405.000000") + "@domain.com"
	t.Cleanup(func() { pool.Exec(context.Background(), `DELETE FROM users WHERE email = $1`, email) })

	if err := ApplySeeds(ctx, dir, testHasher, []Seed{{Email: email, Password: "pw", Active: true}}, time.Now()); err != nil {
		t.Fatalf("ApplySeeds: %v", err)
	}
	v := NewValidator(dir, testHasher)
	if _, err := v.VerifyPassword(ctx, email, "pw"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if _, err := v.Resolve(ctx, "missing-"+email); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Resolve missing = %v", err)
	}
}
