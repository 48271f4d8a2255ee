// Package mailbox applies ownership rules on top of the record store and the
// star index. Every read path served to clients goes through Service.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/mailrelay/internal/address"
	"github.io/infrasutra/mailrelay/internal/star"
	"github.io/infrasutra/mailrelay/internal/store"
)

var (
	ErrNotFound     = errors.New("mailbox: not found")
	ErrAccessDenied = errors.New("mailbox: access denied")
)

// Scope selects which partitions a listing covers.
type Scope string

const (
	ScopeReceived Scope = "received"
	ScopeSent     Scope = "sent"
	ScopeAll      Scope = "all"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeReceived, ScopeSent, ScopeAll:
		return Scope(s), nil
	case "":
		return ScopeReceived, nil
	default:
		return "", fmt.Errorf("%w: %q", store.ErrInvalidDirection, s)
	}
}

type Service struct {
	records store.RecordStore
	stars   star.Index
	logger  *slog.Logger
}

func NewService(records store.RecordStore, stars star.Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, stars: stars, logger: logger}
}

// Emails lists records for user in the given scope, most recent first. An
// empty user returns every record unfiltered.
func (s *Service) Emails(ctx context.Context, user string, scope Scope) ([]store.Record, error) {
	switch scope {
	case ScopeReceived:
		return s.records.ListByOwnerAndDirection(ctx, user, store.Received)
	case ScopeSent:
		return s.records.ListByOwnerAndDirection(ctx, user, store.Sent)
	case ScopeAll:
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidDirection, scope)
	}

	var received, sent []store.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		received, err = s.records.ListByOwnerAndDirection(gctx, user, store.Received)
		return err
	})
	g.Go(func() error {
		var err error
		sent, err = s.records.ListByOwnerAndDirection(gctx, user, store.Sent)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	merged := make([]store.Record, 0, len(received)+len(sent))
	merged = append(merged, received...)
	merged = append(merged, sent...)
	store.SortByDateDesc(merged)
	return merged, nil
}

// Email returns one record. A non-empty user must be its sender or recipient.
func (s *Service) Email(ctx context.Context, id, user string) (store.Record, error) {
	record, err := s.lookup(ctx, id)
	if err != nil {
		return store.Record{}, err
	}
	if user != "" && !record.AccessibleBy(user) {
		return store.Record{}, ErrAccessDenied
	}
	return record, nil
}

// Raw returns the transferred bytes of a message. Ownership is checked
// against the parsed record when one exists, otherwise against the error
// record's session identity.
func (s *Service) Raw(ctx context.Context, id, user string) (io.ReadCloser, error) {
	if user != "" {
		record, err := s.lookup(ctx, id)
		switch {
		case err == nil:
			if !record.AccessibleBy(user) {
				return nil, ErrAccessDenied
			}
		case errors.Is(err, ErrNotFound):
			failure, ferr := s.records.ErrorRecord(ctx, id)
			if ferr != nil {
				if store.IsNotFound(ferr) {
					return nil, ErrNotFound
				}
				return nil, ferr
			}
			if !address.Equal(failure.User, user) {
				return nil, ErrAccessDenied
			}
		default:
			return nil, err
		}
	}
	rc, err := s.records.Raw(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rc, nil
}

// FailedMessage returns the failure record written when a message could not
// be parsed.
func (s *Service) FailedMessage(ctx context.Context, id, user string) (store.ErrorRecord, error) {
	failure, err := s.records.ErrorRecord(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return store.ErrorRecord{}, ErrNotFound
		}
		return store.ErrorRecord{}, err
	}
	if user != "" && !address.Equal(failure.User, user) {
		return store.ErrorRecord{}, ErrAccessDenied
	}
	return failure, nil
}

// AttachmentPath resolves a stored blob. The blob must exist before the
// parent record's owner for that direction is checked.
func (s *Service) AttachmentPath(ctx context.Context, id, filename string, dir store.Direction, user string) (string, error) {
	if !dir.Valid() {
		return "", fmt.Errorf("%w: %q", store.ErrInvalidDirection, dir)
	}
	if !s.records.AttachmentExists(id, filename, dir) {
		return "", ErrNotFound
	}
	if user != "" {
		record, err := s.lookup(ctx, id)
		if err != nil {
			return "", err
		}
		if record.Type != dir || !record.OwnedBy(user) {
			return "", ErrAccessDenied
		}
	}
	path, err := s.records.AttachmentPath(id, filename, dir)
	if err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

func (s *Service) Star(ctx context.Context, user, id string) error {
	if err := s.authorizeStar(ctx, user, id); err != nil {
		return err
	}
	return s.stars.Add(ctx, user, id)
}

// Unstar removes id from the user's stars. An id whose record is gone can
// always be removed by the user holding it.
func (s *Service) Unstar(ctx context.Context, user, id string) error {
	err := s.authorizeStar(ctx, user, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.stars.Remove(ctx, user, id)
}

// Starred returns the user's starred records, most recent first. Ids whose
// record no longer resolves, or that the user cannot access, are dropped.
func (s *Service) Starred(ctx context.Context, user string) ([]store.Record, error) {
	ids, err := s.stars.IDs(ctx, user)
	if err != nil {
		return nil, err
	}
	records := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.records.GetByID(ctx, id)
		if err != nil {
			if !store.IsNotFound(err) {
				s.logger.Warn("starred record unavailable", "user", user, "id", id, "error", err)
			}
			continue
		}
		if !record.AccessibleBy(user) {
			s.logger.Warn("dropping starred record of another user", "user", user, "id", id)
			continue
		}
		records = append(records, record)
	}
	store.SortByDateDesc(records)
	return records, nil
}

func (s *Service) authorizeStar(ctx context.Context, user, id string) error {
	if user == "" {
		return ErrAccessDenied
	}
	record, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !record.AccessibleBy(user) {
		return ErrAccessDenied
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, id string) (store.Record, error) {
	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Record{}, ErrNotFound
		}
		return store.Record{}, err
	}
	return record, nil
}
