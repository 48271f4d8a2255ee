package store

import (
	"time"

	"github.io/infrasutra/mailrelay/internal/address"
)

type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
)

func (d Direction) Valid() bool {
	return d == Received || d == Sent
}

// Record is the structured, immutable form of one sent or received message.
type Record struct {
	ID          string           `json:"id"`
	Type        Direction        `json:"type"`
	User        string           `json:"user"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Subject     string           `json:"subject"`
	Date        time.Time        `json:"date"`
	Text        string           `json:"text"`
	HTML        string           `json:"html"`
	Attachments []AttachmentMeta `json:"attachments"`
}

type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// Attachment is one blob to be written alongside a record.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type ErrorRecord struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Owner returns the single identity a record belongs to: the sender for sent
// records, the normalized recipient for received ones.
func (r Record) Owner() string {
	if r.Type == Sent {
		return r.User
	}
	return address.Normalize(r.To)
}

// OwnedBy applies the ownership rule for the record's direction.
func (r Record) OwnedBy(user string) bool {
	return address.Equal(r.Owner(), user)
}

// AccessibleBy reports whether user is either the recorded sender or the
// normalized recipient.
func (r Record) AccessibleBy(user string) bool {
	return address.Equal(r.User, user) || address.Matches(r.To, user)
}
