// Package star keeps the per-user set of starred message ids.
package star

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var ErrInvalidUser = errors.New("star: invalid user")

// Index is a per-user set of message ids. Add and Remove are idempotent.
type Index interface {
	Add(ctx context.Context, user, id string) error
	Remove(ctx context.Context, user, id string) error
	IDs(ctx context.Context, user string) ([]string, error)
}

func normalizeUser(user string) (string, error) {
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" {
		return "", ErrInvalidUser
	}
	return user, nil
}

func sortedUnique(ids []string) []string {
	slices.Sort(ids)
	return slices.Compact(ids)
}
