package smtpserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseError reports inbound bytes that could not be read as a message. The
// raw bytes are kept under ID.
type ParseError struct {
	ID  string
	Err error
}

func (e *ParseError) Error() string {
	if e.ID == "" {
		return "parse message: " + e.Err.Error()
	}
	return fmt.Sprintf("parse message %s: %v", e.ID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type ParsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ParsedMessage is the structured content extracted from one message.
type ParsedMessage struct {
	From        string
	To          string
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []ParsedAttachment
}

func lenient(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// Parse extracts header fields, bodies and attachments. Unknown charsets and
// transfer encodings are tolerated; malformed headers or multipart framing
// are not.
func Parse(raw []byte) (ParsedMessage, error) {
	var parsed ParsedMessage
	if len(bytes.TrimSpace(raw)) == 0 {
		return parsed, &ParseError{Err: errors.New("empty message")}
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && (reader == nil || !lenient(err)) {
		return parsed, &ParseError{Err: err}
	}

	parsed.From = headerText(reader.Header, "From")
	parsed.To = headerText(reader.Header, "To")
	if subject, err := reader.Header.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = reader.Header.Get("Subject")
	}
	if date, err := reader.Header.Date(); err == nil && !date.IsZero() {
		parsed.Date = date
	}

	var text, html []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !lenient(err)) {
			return parsed, &ParseError{Err: err}
		}

		body, err := io.ReadAll(part.Body)
		if err != nil && !lenient(err) {
			return parsed, &ParseError{Err: fmt.Errorf("read part: %w", err)}
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := header.ContentType()
			switch {
			case mediaType == "" || mediaType == "text/plain":
				text = append(text, string(body))
			case mediaType == "text/html":
				html = append(html, string(body))
			default:
				parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
					Filename:    params["name"],
					ContentType: mediaType,
					Data:        body,
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}

	parsed.Text = trimBody(strings.Join(text, "\n"))
	parsed.HTML = trimBody(strings.Join(html, "\n"))
	return parsed, nil
}

func headerText(h mail.Header, key string) string {
	if value, err := h.Text(key); err == nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(h.Get(key))
}

func trimBody(body string) string {
	return strings.TrimRight(body, "\r\n")
}
