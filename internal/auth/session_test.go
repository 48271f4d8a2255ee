package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	m, err := New("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1700000000, 0)
	token, err := m.Issue(" User_A@Domain.com ", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	email, err := m.Parse(token, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if email != "user_a@domain.com" {
		t.Errorf("email = %q", email)
	}
}

func TestParseRejects(t *testing.T) {
	m, _ := New("secret", time.Hour)
	other, _ := New("other-secret", time.Hour)
	now := time.Unix(1700000000, 0)
	token, _ := m.Issue("user_a@domain.com", now)
	forged, _ := other.Issue("user_a@domain.com", now)

	tests := []struct {
		name  string
		token string
		at    time.Time
		want  error
	}{
		{"empty", "", now, ErrMissingToken},
		{"not base64", "%%%", now, ErrInvalidToken},
		{"wrong shape", base64.RawURLEncoding.EncodeToString([]byte("a|b")), now, ErrInvalidToken},
		{"other secret", forged, now, ErrInvalidToken},
		{"expired", token, now.Add(2 * time.Hour), ErrExpiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Parse(tt.token, tt.at); !errors.Is(err, tt.want) {
				t.Fatalf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIssueRejectsInvalidEmail(t *testing.T) {
	m, _ := New("", time.Hour)
	if _, err := m.Issue("not an email", time.Now()); err == nil {
		t.Fatal("Issue accepted invalid email")
	}
}
