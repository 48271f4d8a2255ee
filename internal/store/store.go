package store

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no parsed record, raw entry or blob exists
	// for the requested key.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned for ids or filenames that cannot name a file
	// inside a category directory.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateID is returned when a write-once entry already exists.
	ErrDuplicateID = errors.New("store: duplicate id")

	ErrInvalidDirection = errors.New("store: invalid direction")
)

// RecordStore is category-partitioned persistence keyed by message id. Each
// Save call writes exactly one file or object; calls are not transactional
// with respect to each other.
type RecordStore interface {
	GenerateID() string

	SaveRaw(ctx context.Context, id string, raw []byte) error
	SaveParsed(ctx context.Context, record Record, dir Direction) error
	SaveAttachments(ctx context.Context, id string, attachments []Attachment, dir Direction) error
	SaveError(ctx context.Context, id, reason, owner string) error
	MoveStagedAttachment(ctx context.Context, id, srcPath, filename string) error

	GetByID(ctx context.Context, id string) (Record, error)
	ListByOwnerAndDirection(ctx context.Context, owner string, dir Direction) ([]Record, error)
	Raw(ctx context.Context, id string) (io.ReadCloser, error)
	ErrorRecord(ctx context.Context, id string) (ErrorRecord, error)

	AttachmentPath(id, filename string, dir Direction) (string, error)
	AttachmentExists(id, filename string, dir Direction) bool
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
