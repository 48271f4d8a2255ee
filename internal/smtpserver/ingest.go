package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.io/infrasutra/mailrelay/internal/address"
	"github.io/infrasutra/mailrelay/internal/sse"
	"github.io/infrasutra/mailrelay/internal/store"
)

// Envelope is what the transfer phases collected before DATA.
type Envelope struct {
	From     string
	To       []string
	Identity string
}

// Publisher receives a notification for every record ingested.
type Publisher interface {
	Publish(users []string, event sse.Event) error
}

// Ingester turns one transferred message into stored records.
type Ingester struct {
	records   store.RecordStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewIngester(records store.RecordStore, publisher Publisher, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{records: records, publisher: publisher, logger: logger, now: time.Now}
}

// Ingest persists raw first, then the parsed record and its attachments. A
// parse failure writes an error record and returns *ParseError; the raw bytes
// stay retrievable under the returned id either way.
func (in *Ingester) Ingest(ctx context.Context, raw []byte, env Envelope) (store.Record, error) {
	id := in.records.GenerateID()
	if err := in.records.SaveRaw(ctx, id, raw); err != nil {
		return store.Record{}, fmt.Errorf("store raw message: %w", err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.ID = id
		}
		if serr := in.records.SaveError(ctx, id, err.Error(), env.Identity); serr != nil {
			in.logger.Error("store parse failure", "id", id, "error", serr)
		}
		in.logger.Warn("unparseable message", "id", id, "identity", env.Identity, "error", err)
		return store.Record{ID: id}, err
	}

	record := store.Record{
		ID:      id,
		Type:    store.Received,
		User:    env.Identity,
		From:    parsed.From,
		To:      parsed.To,
		Subject: parsed.Subject,
		Date:    parsed.Date,
		Text:    parsed.Text,
		HTML:    parsed.HTML,
	}
	if record.From == "" {
		record.From = env.From
	}
	if record.To == "" && len(env.To) > 0 {
		record.To = env.To[0]
	}
	if record.Date.IsZero() {
		record.Date = in.now()
	}

	names := make([]string, len(parsed.Attachments))
	for i, a := range parsed.Attachments {
		names[i] = a.Filename
	}
	names = store.UniqueFilenames(names)
	blobs := make([]store.Attachment, len(parsed.Attachments))
	record.Attachments = make([]store.AttachmentMeta, len(parsed.Attachments))
	for i, a := range parsed.Attachments {
		blobs[i] = store.Attachment{Filename: names[i], ContentType: a.ContentType, Data: a.Data}
		record.Attachments[i] = store.AttachmentMeta{Filename: names[i], ContentType: a.ContentType, Size: int64(len(a.Data))}
	}

	if err := in.records.SaveAttachments(ctx, id, blobs, store.Received); err != nil {
		return store.Record{}, fmt.Errorf("store attachments: %w", err)
	}
	if err := in.records.SaveParsed(ctx, record, store.Received); err != nil {
		return store.Record{}, fmt.Errorf("store parsed message: %w", err)
	}

	in.logger.Info("message stored", "id", id, "to", record.To, "identity", env.Identity, "attachments", len(blobs))
	in.notify(record, env)
	return record, nil
}

func (in *Ingester) notify(record store.Record, env Envelope) {
	if in.publisher == nil {
		return
	}
	audience := []string{address.Normalize(record.To)}
	for _, rcpt := range env.To {
		audience = append(audience, address.Normalize(rcpt))
	}
	event := sse.Event{Type: "message", Data: map[string]any{
		"id":      record.ID,
		"from":    record.From,
		"to":      record.To,
		"subject": record.Subject,
		"date":    record.Date.UTC().Format(time.RFC3339),
	}}
	if err := in.publisher.Publish(audience, event); err != nil {
		in.logger.Warn("publish new message event", "id", record.ID, "error", err)
	}
}
