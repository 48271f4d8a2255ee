package store

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a UUIDv7: a 48-bit millisecond timestamp followed by 74
// random bits, so ids sort by creation time and never need a uniqueness probe.
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ValidID reports whether id can be used as a file name inside a category.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, `/\:`) && !strings.Contains(id, "..")
}
