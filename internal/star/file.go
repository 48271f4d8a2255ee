package star

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// starFile records its owner so a file can never answer for another user.
type starFile struct {
	User string   `json:"user"`
	IDs  []string `json:"ids"`
}

// FileIndex stores one JSON document per user under dir, named by a hash of
// the normalized address. Mutations for the same user are serialized;
// different users proceed in parallel.
type FileIndex struct {
	dir    string
	logger *slog.Logger
	locks  sync.Map
}

var _ Index = (*FileIndex)(nil)

func NewFileIndex(dir string, logger *slog.Logger) (*FileIndex, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("star directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create star directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileIndex{dir: dir, logger: logger}, nil
}

func (x *FileIndex) Add(ctx context.Context, user, id string) error {
	return x.update(ctx, user, func(ids []string) []string {
		if slices.Contains(ids, id) {
			return ids
		}
		return append(ids, id)
	})
}

func (x *FileIndex) Remove(ctx context.Context, user, id string) error {
	return x.update(ctx, user, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(s string) bool { return s == id })
	})
}

func (x *FileIndex) IDs(_ context.Context, user string) ([]string, error) {
	user, err := normalizeUser(user)
	if err != nil {
		return nil, err
	}
	mu := x.lock(user)
	mu.Lock()
	defer mu.Unlock()
	ids, err := x.read(user)
	if err != nil {
		return nil, err
	}
	return sortedUnique(ids), nil
}

func (x *FileIndex) update(ctx context.Context, user string, apply func([]string) []string) error {
	user, err := normalizeUser(user)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := x.lock(user)
	mu.Lock()
	defer mu.Unlock()

	ids, err := x.read(user)
	if err != nil {
		return err
	}
	return x.write(user, sortedUnique(apply(ids)))
}

func (x *FileIndex) lock(user string) *sync.Mutex {
	mu, _ := x.locks.LoadOrStore(user, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (x *FileIndex) path(user string) string {
	return filepath.Join(x.dir, fileKey(user)+".json")
}

func (x *FileIndex) read(user string) ([]string, error) {
	data, err := os.ReadFile(x.path(user))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read starred: %w", err)
	}
	var doc starFile
	if err := json.Unmarshal(data, &doc); err != nil {
		x.logger.Warn("discarding unreadable star index", "user", user, "error", err)
		return []string{}, nil
	}
	if doc.User != user {
		x.logger.Warn("discarding star index of another user", "user", user, "owner", doc.User)
		return []string{}, nil
	}
	return doc.IDs, nil
}

func (x *FileIndex) write(user string, ids []string) error {
	data, err := json.Marshal(starFile{User: user, IDs: ids})
	if err != nil {
		return fmt.Errorf("encode starred: %w", err)
	}
	tmp, err := os.CreateTemp(x.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write starred: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, x.path(user)); err != nil {
		return fmt.Errorf("replace starred: %w", err)
	}
	return nil
}

// fileKey is the hex SHA-256 of the normalized address. Distinct addresses
// get distinct keys whatever characters they contain.
func fileKey(user string) string {
	sum := sha256.Sum256([]byte(user))
	return hex.EncodeToString(sum[:])
}
