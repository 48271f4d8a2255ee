package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Layout names the directory backing each storage category.
type Layout struct {
	Raw             string
	Parsed          string
	Sent            string
	Attachments     string
	SentAttachments string
	Errors          string
}

func DefaultLayout(root string) Layout {
	return Layout{
		Raw:             filepath.Join(root, "raw"),
		Parsed:          filepath.Join(root, "parsed"),
		Sent:            filepath.Join(root, "sent"),
		Attachments:     filepath.Join(root, "attachments"),
		SentAttachments: filepath.Join(root, "sent_attachments"),
		Errors:          filepath.Join(root, "errors"),
	}
}

func (l Layout) directories() map[string]string {
	return map[string]string{
		"raw":             l.Raw,
		"parsed":          l.Parsed,
		"sent":            l.Sent,
		"attachments":     l.Attachments,
		"sentAttachments": l.SentAttachments,
		"errors":          l.Errors,
	}
}

// FileStore keeps one file per message and category. Listing scans a whole
// category directory; there is no index.
type FileStore struct {
	layout Layout
	logger *slog.Logger
	now    func() time.Time
}

var _ RecordStore = (*FileStore)(nil)

func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{layout: DefaultLayout(root), logger: logger, now: time.Now}
	for name, dir := range s.layout.directories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", name, err)
		}
	}
	return s, nil
}

func (s *FileStore) GenerateID() string {
	return GenerateID()
}

// Health reports which category directories currently exist.
func (s *FileStore) Health() map[string]bool {
	result := map[string]bool{}
	for name, dir := range s.layout.directories() {
		info, err := os.Stat(dir)
		result[name] = err == nil && info.IsDir()
	}
	return result
}

func (s *FileStore) SaveRaw(_ context.Context, id string, raw []byte) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if err := writeOnce(s.layout.Raw, id+".eml", raw); err != nil {
		return fmt.Errorf("save raw %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) SaveParsed(_ context.Context, record Record, dir Direction) error {
	if !ValidID(record.ID) {
		return ErrInvalidID
	}
	target, err := s.recordDir(dir)
	if err != nil {
		return err
	}
	record.Type = dir
	if record.Attachments == nil {
		record.Attachments = []AttachmentMeta{}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.ID, err)
	}
	if err := writeOnce(target, record.ID+".json", data); err != nil {
		return fmt.Errorf("save record %s: %w", record.ID, err)
	}
	return nil
}

func (s *FileStore) SaveAttachments(_ context.Context, id string, attachments []Attachment, dir Direction) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	base, err := s.attachmentDir(dir)
	if err != nil {
		return err
	}
	if len(attachments) == 0 {
		return nil
	}
	target := filepath.Join(base, id)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create attachment directory: %w", err)
	}
	for _, attachment := range attachments {
		name := SafeFilename(attachment.Filename)
		if err := writeOnce(target, name, attachment.Data); err != nil {
			return fmt.Errorf("save attachment %s/%s: %w", id, name, err)
		}
	}
	return nil
}

func (s *FileStore) SaveError(_ context.Context, id, reason, owner string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	data, err := json.MarshalIndent(ErrorRecord{
		ID:        id,
		User:      owner,
		Error:     reason,
		Timestamp: s.now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}
	if err := writeOnce(s.layout.Errors, id+".error.json", data); err != nil {
		return fmt.Errorf("save error %s: %w", id, err)
	}
	return nil
}

// MoveStagedAttachment relocates an uploaded file into the sent attachment
// store and removes the staging copy.
func (s *FileStore) MoveStagedAttachment(_ context.Context, id, srcPath, filename string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	target := filepath.Join(s.layout.SentAttachments, id)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create attachment directory: %w", err)
	}
	dest := filepath.Join(target, SafeFilename(filename))
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("move attachment %s: %w", dest, ErrDuplicateID)
	}
	if err := os.Rename(srcPath, dest); err == nil {
		return nil
	}
	// Staging and storage may live on different filesystems.
	if err := copyFile(srcPath, dest); err != nil {
		return fmt.Errorf("move attachment %s: %w", filename, err)
	}
	if err := os.Remove(srcPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return nil
}

func (s *FileStore) GetByID(_ context.Context, id string) (Record, error) {
	if !ValidID(id) {
		return Record{}, ErrNotFound
	}
	for _, dir := range []string{s.layout.Parsed, s.layout.Sent} {
		record, err := s.readRecord(filepath.Join(dir, id+".json"))
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("unreadable record", "id", id, "error", err)
		}
	}
	return Record{}, fmt.Errorf("get record %s: %w", id, ErrNotFound)
}

// ListByOwnerAndDirection returns the records of one partition, filtered to
// owner when it is non-empty, most recent first. Unreadable entries are
// skipped.
func (s *FileStore) ListByOwnerAndDirection(ctx context.Context, owner string, dir Direction) ([]Record, error) {
	target, err := s.recordDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		record, err := s.readRecord(filepath.Join(target, name))
		if err != nil {
			s.logger.Warn("skip unreadable record", "file", name, "error", err)
			continue
		}
		if owner != "" && !record.OwnedBy(owner) {
			continue
		}
		records = append(records, record)
	}
	SortByDateDesc(records)
	return records, nil
}

func (s *FileStore) Raw(_ context.Context, id string) (io.ReadCloser, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	file, err := os.Open(filepath.Join(s.layout.Raw, id+".eml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("raw %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("open raw %s: %w", id, err)
	}
	return file, nil
}

func (s *FileStore) ErrorRecord(_ context.Context, id string) (ErrorRecord, error) {
	if !ValidID(id) {
		return ErrorRecord{}, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.layout.Errors, id+".error.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrorRecord{}, fmt.Errorf("error record %s: %w", id, ErrNotFound)
		}
		return ErrorRecord{}, fmt.Errorf("read error record %s: %w", id, err)
	}
	var record ErrorRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return ErrorRecord{}, fmt.Errorf("decode error record %s: %w", id, err)
	}
	return record, nil
}

func (s *FileStore) AttachmentPath(id, filename string, dir Direction) (string, error) {
	base, err := s.attachmentDir(dir)
	if err != nil {
		return "", err
	}
	if !ValidID(id) || filename == "" || SafeFilename(filename) != filename {
		return "", ErrInvalidID
	}
	return filepath.Abs(filepath.Join(base, id, filename))
}

func (s *FileStore) AttachmentExists(id, filename string, dir Direction) bool {
	path, err := s.AttachmentPath(id, filename, dir)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *FileStore) recordDir(dir Direction) (string, error) {
	switch dir {
	case Received:
		return s.layout.Parsed, nil
	case Sent:
		return s.layout.Sent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
}

func (s *FileStore) attachmentDir(dir Direction) (string, error) {
	switch dir {
	case Received:
		return s.layout.Attachments, nil
	case Sent:
		return s.layout.SentAttachments, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
}

func (s *FileStore) readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if record.ID == "" {
		return Record{}, fmt.Errorf("decode %s: missing id", filepath.Base(path))
	}
	return record, nil
}

// SortByDateDesc orders records most recent first, newest id first on ties.
func SortByDateDesc(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// SafeFilename reduces an attachment name to a single path element.
func SafeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	base = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == ':' {
			return '_'
		}
		return r
	}, base)
	switch base {
	case "", ".", "..", "/":
		return "attachment"
	}
	if strings.HasPrefix(base, ".tmp-") {
		base = "_" + base
	}
	return base
}

// UniqueFilenames makes every name in the list distinct after SafeFilename,
// suffixing duplicates with -1, -2, ... before the extension.
func UniqueFilenames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	result := make([]string, len(names))
	for i, name := range names {
		candidate := SafeFilename(name)
		ext := filepath.Ext(candidate)
		stem := strings.TrimSuffix(candidate, ext)
		for n := 1; ; n++ {
			if _, ok := seen[candidate]; !ok {
				break
			}
			candidate = stem + "-" + strconv.Itoa(n) + ext
		}
		seen[candidate] = struct{}{}
		result[i] = candidate
	}
	return result
}

// writeOnce writes data to dir/name through a temp file so readers never see
// a partial file, and refuses to replace an existing entry.
func writeOnce(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrDuplicateID
		}
		if _, statErr := os.Lstat(final); statErr == nil {
			return ErrDuplicateID
		}
		if err := os.Rename(tmpPath, final); err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
