// Package users resolves identifiers to credential records and verifies
// secrets against them. Secrets are only ever stored and compared as hashes.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAuthentication is returned for unknown identifiers and wrong secrets.
	ErrAuthentication = errors.New("users: authentication failed")

	// ErrInactive is returned when the secret matches a disabled account. It
	// wraps ErrAuthentication.
	ErrInactive = fmt.Errorf("%w: account disabled", ErrAuthentication)

	// ErrUnknownUser is returned by directories when no record exists.
	ErrUnknownUser = errors.New("users: unknown user")
)

// Credential is one account as held by a Directory.
type Credential struct {
	Email        string
	PasswordHash string
	APIKeyHash   string
	Active       bool
	CreatedAt    time.Time
	LastLogin    time.Time
}

// Directory is the durable store behind the validator.
type Directory interface {
	Lookup(ctx context.Context, email string) (Credential, error)
	List(ctx context.Context) ([]string, error)
}

// WritableDirectory is a Directory that accepts seeded or updated accounts.
type WritableDirectory interface {
	Directory
	Upsert(ctx context.Context, cred Credential) error
}

// Hasher turns secrets into stored hashes and checks candidates against them.
type Hasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) error
}

type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

func (h BcryptHasher) Compare(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

// Validator is the single entry point for credential checks. Both the SMTP
// AUTH phase and the HTTP API go through it.
type Validator struct {
	dir    Directory
	hasher Hasher
}

func NewValidator(dir Directory, hasher Hasher) *Validator {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Validator{dir: dir, hasher: hasher}
}

func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Resolve returns the credential record for identifier.
func (v *Validator) Resolve(ctx context.Context, identifier string) (Credential, error) {
	email := NormalizeIdentifier(identifier)
	if email == "" {
		return Credential{}, ErrUnknownUser
	}
	return v.dir.Lookup(ctx, email)
}

// VerifyPassword checks an SMTP password.
func (v *Validator) VerifyPassword(ctx context.Context, identifier, password string) (Credential, error) {
	return v.verify(ctx, identifier, password, func(c Credential) string { return c.PasswordHash })
}

// VerifyAPIKey checks an API key.
func (v *Validator) VerifyAPIKey(ctx context.Context, identifier, key string) (Credential, error) {
	return v.verify(ctx, identifier, key, func(c Credential) string { return c.APIKeyHash })
}

// Users lists known identifiers without any secret material.
func (v *Validator) Users(ctx context.Context) ([]string, error) {
	return v.dir.List(ctx)
}

func (v *Validator) verify(ctx context.Context, identifier, secret string, hashOf func(Credential) string) (Credential, error) {
	cred, err := v.Resolve(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return Credential{}, ErrAuthentication
		}
		return Credential{}, fmt.Errorf("resolve user: %w", err)
	}
	hash := hashOf(cred)
	if secret == "" || hash == "" {
		return Credential{}, ErrAuthentication
	}
	if err := v.hasher.Compare(hash, secret); err != nil {
		return Credential{}, ErrAuthentication
	}
	if !cred.Active {
		return cred, ErrInactive
	}
	return cred, nil
}

// Seed describes an account supplied by configuration. Plain secrets are
// hashed before they reach the directory.
type Seed struct {
	Email        string
	Password     string
	PasswordHash string
	APIKey       string
	APIKeyHash   string
	Active       bool
}

func ApplySeeds(ctx context.Context, dir WritableDirectory, hasher Hasher, seeds []Seed, now time.Time) error {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	for _, seed := range seeds {
		email := NormalizeIdentifier(seed.Email)
		if email == "" {
			continue
		}
		cred := Credential{
			Email:        email,
			PasswordHash: seed.PasswordHash,
			APIKeyHash:   seed.APIKeyHash,
			Active:       seed.Active,
			CreatedAt:    now,
		}
		var err error
		if cred.PasswordHash == "" && seed.Password != "" {
			if cred.PasswordHash, err = hasher.Hash(seed.Password); err != nil {
				return fmt.Errorf("seed %s: %w", email, err)
			}
		}
		if cred.APIKeyHash == "" && seed.APIKey != "" {
			if cred.APIKeyHash, err = hasher.Hash(seed.APIKey); err != nil {
				return fmt.Errorf("seed %s: %w", email, err)
			}
		}
		if err := dir.Upsert(ctx, cred); err != nil {
			return fmt.Errorf("seed %s: %w", email, err)
		}
	}
	return nil
}
