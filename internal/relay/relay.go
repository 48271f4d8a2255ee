// Package relay composes outbound messages, hands them to a delivery channel
// and keeps a sent copy once delivery succeeds.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/mailrelay/internal/address"
	"github.io/infrasutra/mailrelay/internal/store"
	"github.io/infrasutra/mailrelay/internal/users"
)

var ErrInvalidRecipient = errors.New("relay: invalid recipient")

// DeliveryError wraps a failure of the delivery channel. Nothing is stored
// and nothing is retried when it is returned.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "relay: delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Staged is an uploaded file waiting to be attached.
type Staged struct {
	Filename    string
	ContentType string
	Path        string
}

type Request struct {
	Sender      string
	APIKey      string
	To          string
	Subject     string
	Text        string
	HTML        string
	Attachments []Staged
}

type Result struct {
	DeliveryID string `json:"messageId"`
	RecordID   string `json:"emailId"`
}

// Deliverer submits a composed message to the next hop.
type Deliverer interface {
	Deliver(ctx context.Context, from string, to []string, msg io.Reader) error
}

// Credentials verifies the API key presented with a send request.
type Credentials interface {
	VerifyAPIKey(ctx context.Context, identifier, key string) (users.Credential, error)
}

type Sender struct {
	creds     Credentials
	records   store.RecordStore
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time
}

func NewSender(creds Credentials, records store.RecordStore, deliverer Deliverer, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{creds: creds, records: records, deliverer: deliverer, logger: logger, now: time.Now}
}

// Send authenticates the sender, delivers the message and records the sent
// copy. Staged attachments are moved into sent storage only after delivery
// succeeds.
func (s *Sender) Send(ctx context.Context, req Request) (Result, error) {
	cred, err := s.creds.VerifyAPIKey(ctx, req.Sender, req.APIKey)
	if err != nil {
		return Result{}, err
	}
	to := address.Normalize(req.To)
	if address.Domain(to) == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.To)
	}

	names := make([]string, len(req.Attachments))
	for i, a := range req.Attachments {
		names[i] = a.Filename
	}
	names = store.UniqueFilenames(names)

	date := s.now()
	var buf bytes.Buffer
	deliveryID, metas, err := compose(&buf, cred.Email, to, date, req, names)
	if err != nil {
		return Result{}, fmt.Errorf("compose message: %w", err)
	}

	if err := s.deliverer.Deliver(ctx, cred.Email, []string{to}, &buf); err != nil {
		s.logger.Error("outbound delivery failed", "user", cred.Email, "to", to, "error", err)
		return Result{}, &DeliveryError{Err: err}
	}

	result := Result{DeliveryID: deliveryID, RecordID: s.records.GenerateID()}
	for i, a := range req.Attachments {
		if err := s.records.MoveStagedAttachment(ctx, result.RecordID, a.Path, names[i]); err != nil {
			return result, fmt.Errorf("keep sent attachment: %w", err)
		}
	}
	record := store.Record{
		ID:          result.RecordID,
		Type:        store.Sent,
		User:        cred.Email,
		From:        cred.Email,
		To:          req.To,
		Subject:     req.Subject,
		Date:        date,
		Text:        req.Text,
		HTML:        req.HTML,
		Attachments: metas,
	}
	if err := s.records.SaveParsed(ctx, record, store.Sent); err != nil {
		return result, fmt.Errorf("store sent copy: %w", err)
	}
	s.logger.Info("message sent", "user", cred.Email, "to", to, "id", result.RecordID, "message_id", deliveryID)
	return result, nil
}

func compose(w io.Writer, from, to string, date time.Time, req Request, names []string) (string, []store.AttachmentMeta, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(req.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return "", nil, err
	}
	messageID, err := h.MessageID()
	if err != nil {
		return "", nil, err
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return "", nil, err
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return "", nil, err
	}
	if req.Text != "" || req.HTML == "" {
		if err := writeInline(tw, "text/plain", req.Text); err != nil {
			return "", nil, err
		}
	}
	if req.HTML != "" {
		if err := writeInline(tw, "text/html", req.HTML); err != nil {
			return "", nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return "", nil, err
	}

	metas := make([]store.AttachmentMeta, 0, len(req.Attachments))
	for i, a := range req.Attachments {
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(contentType, nil)
		ah.SetFilename(names[i])
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return "", nil, err
		}
		size, err := copyFile(aw, a.Path)
		if err != nil {
			return "", nil, fmt.Errorf("attach %s: %w", names[i], err)
		}
		if err := aw.Close(); err != nil {
			return "", nil, err
		}
		metas = append(metas, store.AttachmentMeta{Filename: names[i], ContentType: contentType, Size: size})
	}
	if err := mw.Close(); err != nil {
		return "", nil, err
	}
	return messageID, metas, nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
