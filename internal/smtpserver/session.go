package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailrelay/internal/address"
	"github.io/infrasutra/mailrelay/internal/users"
)

// ErrRelayDenied is returned for recipients outside the allow-list. It is
// sent to the peer as 554 5.7.1.
var ErrRelayDenied = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 7, 1},
	Message:      "Relay access denied",
}

var (
	errSMTPAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	errSMTPAuthInactive = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Account disabled",
	}
	errSMTPAuthTemp = &smtp.SMTPError{
		Code:         454,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Temporary authentication failure",
	}
	errSMTPSeq = &smtp.SMTPError{
		Code:         503,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "Invalid command sequence",
	}
	errSMTPRcptAddr = &smtp.SMTPError{
		Code:         501,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Invalid recipient address",
	}
	errSMTPParse = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errSMTPStorage = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage failure",
	}
)

// State is the position of a session in the transfer phase sequence.
type State int

const (
	StateIdle State = iota
	StateSender
	StateRecipient
	StateData
	StateComplete
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSender:
		return "sender"
	case StateRecipient:
		return "recipient"
	case StateData:
		return "data"
	case StateComplete:
		return "complete"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Authenticator checks SMTP AUTH credentials.
type Authenticator interface {
	VerifyPassword(ctx context.Context, identifier, password string) (users.Credential, error)
}

type session struct {
	backend  *backend
	logger   *slog.Logger
	state    State
	identity string
	from     string
	to       []string
	lastID   string
}

var _ smtp.AuthSession = (*session)(nil)

func (s *session) AuthMechanisms() []string {
	if s.backend.auth == nil {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if s.backend.auth == nil || mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	if s.identity != "" || s.state != StateIdle && s.state != StateComplete && s.state != StateRejected {
		return nil, errSMTPSeq
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		cred, err := s.backend.auth.VerifyPassword(s.backend.ctx, username, password)
		switch {
		case err == nil:
			s.identity = cred.Email
			s.logger = s.logger.With("identity", cred.Email)
			s.logger.Info("smtp auth succeeded")
			return nil
		case errors.Is(err, users.ErrInactive):
			s.logger.Warn("smtp auth rejected inactive account", "username", username)
			return errSMTPAuthInactive
		case errors.Is(err, users.ErrAuthentication):
			s.logger.Warn("smtp auth failed", "username", username)
			return errSMTPAuthFailed
		default:
			s.logger.Error("smtp auth lookup", "error", err)
			return errSMTPAuthTemp
		}
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authRequired && s.identity == "" {
		return smtp.ErrAuthRequired
	}
	switch s.state {
	case StateIdle, StateComplete, StateRejected:
	default:
		return errSMTPSeq
	}
	s.from = strings.TrimSpace(from)
	s.to = nil
	s.state = StateSender
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authRequired && s.identity == "" {
		return smtp.ErrAuthRequired
	}
	if s.state != StateSender && s.state != StateRecipient && s.state != StateRejected {
		return errSMTPSeq
	}
	if s.state == StateRejected && s.from == "" {
		return errSMTPSeq
	}
	rcpt := address.Normalize(to)
	domain := address.Domain(rcpt)
	if domain == "" {
		return errSMTPRcptAddr
	}
	if !s.backend.allowed(domain) {
		s.logger.Warn("relay denied", "rcpt", rcpt, "domain", domain)
		if len(s.to) == 0 {
			s.state = StateRejected
		}
		return ErrRelayDenied
	}
	s.to = append(s.to, rcpt)
	s.state = StateRecipient
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.state != StateRecipient || len(s.to) == 0 {
		return errSMTPSeq
	}
	s.state = StateData
	raw, err := io.ReadAll(r)
	if err != nil {
		s.state = StateRejected
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return smtp.ErrDataTooLarge
		}
		return err
	}

	record, err := s.backend.ingester.Ingest(s.backend.ctx, raw, Envelope{From: s.from, To: s.to, Identity: s.identity})
	s.lastID = record.ID
	if err != nil {
		s.state = StateRejected
		var perr *ParseError
		if errors.As(err, &perr) {
			return errSMTPParse
		}
		s.logger.Error("ingest message", "error", err)
		return errSMTPStorage
	}
	s.state = StateComplete
	return nil
}

// Reset clears the transaction but keeps the authenticated identity.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
	if s.state != StateComplete && s.state != StateRejected {
		s.state = StateIdle
	}
}

func (s *session) Logout() error {
	return nil
}
