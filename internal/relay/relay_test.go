package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.io/infrasutra/mailrelay/internal/smtpserver"
	"github.io/infrasutra/mailrelay/internal/store"
	"github.io/infrasutra/mailrelay/internal/users"
)

type fakeCreds map[string]string

func (f fakeCreds) VerifyAPIKey(_ context.Context, identifier, key string) (users.Credential, error) {
	if want, ok := f[identifier]; !ok || want != key {
		return users.Credential{}, users.ErrAuthentication
	}
	return users.Credential{Email: identifier, Active: true}, nil
}

type capture struct {
	from string
	to   []string
	msg  []byte
	err  error
}

func (c *capture) Deliver(_ context.Context, from string, to []string, msg io.Reader) error {
	if c.err != nil {
		return c.err
	}
	c.from = from
	c.to = to
	data, err := io.ReadAll(msg)
	c.msg = data
	return err
}

func stage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, "upload-"+name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRecords(t *testing.T) *store.FileStore {
	t.Helper()
	records, err := store.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return records
}

var creds = fakeCreds{"user_a@domain.com": "key-a"}

func TestSendWithAttachments(t *testing.T) {
	ctx := context.Background()
	records := newRecords(t)
	staging := t.TempDir()
	deliverer := &capture{}
	sender := NewSender(creds, records, deliverer, nil)

	first := stage(t, staging, "1", "first file")
	second := stage(t, staging, "2", "second")
	result, err := sender.Send(ctx, Request{
		Sender:  "user_a@domain.com",
		APIKey:  "key-a",
		To:      "User B <user_b@domain.com>",
		Subject: "Report",
		Text:    "see attached",
		HTML:    "<p>see attached</p>",
		Attachments: []Staged{
			{Filename: "report.txt", ContentType: "text/plain", Path: first},
			{Filename: "report.txt", Path: second},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.DeliveryID == "" || result.RecordID == "" {
		t.Fatalf("result = %+v", result)
	}
	if deliverer.from != "user_a@domain.com" || len(deliverer.to) != 1 || deliverer.to[0] != "user_b@domain.com" {
		t.Errorf("envelope = %s -> %v", deliverer.from, deliverer.to)
	}

	record, err := records.GetByID(ctx, result.RecordID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if record.Type != store.Sent || record.Owner() != "user_a@domain.com" {
		t.Errorf("record type=%s owner=%s", record.Type, record.Owner())
	}
	if len(record.Attachments) != 2 {
		t.Fatalf("attachments = %+v", record.Attachments)
	}
	if record.Attachments[0].Filename != "report.txt" || record.Attachments[1].Filename != "report-1.txt" {
		t.Errorf("filenames = %s, %s", record.Attachments[0].Filename, record.Attachments[1].Filename)
	}
	if record.Attachments[0].Size != int64(len("first file")) || record.Attachments[1].Size != int64(len("second")) {
		t.Errorf("sizes = %d, %d", record.Attachments[0].Size, record.Attachments[1].Size)
	}
	for _, a := range record.Attachments {
		if !records.AttachmentExists(result.RecordID, a.Filename, store.Sent) {
			t.Errorf("blob %s missing from sent attachments", a.Filename)
		}
	}
	for _, path := range []string{first, second} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("staged file %s not removed", path)
		}
	}

	parsed, err := smtpserver.Parse(deliverer.msg)
	if err != nil {
		t.Fatalf("delivered message does not parse: %v", err)
	}
	if parsed.Subject != "Report" || parsed.Text != "see attached" || parsed.HTML != "<p>see attached</p>" {
		t.Errorf("delivered content = %+v", parsed)
	}
	if len(parsed.Attachments) != 2 || string(parsed.Attachments[1].Data) != "second" {
		t.Errorf("delivered attachments = %d", len(parsed.Attachments))
	}
	if !bytes.Contains(deliverer.msg, []byte(result.DeliveryID)) {
		t.Error("delivery id not present as Message-Id")
	}
}

func TestSendDeliveryFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	records := newRecords(t)
	staging := t.TempDir()
	upstream := errors.New("connection refused")
	sender := NewSender(creds, records, &capture{err: upstream}, nil)

	path := stage(t, staging, "1", "data")
	_, err := sender.Send(ctx, Request{
		Sender: "user_a@domain.com", APIKey: "key-a", To: "user_b@domain.com",
		Text: "x", Attachments: []Staged{{Filename: "a.txt", Path: path}},
	})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DeliveryError", err)
	}
	if !errors.Is(err, upstream) {
		t.Errorf("delivery error does not unwrap to upstream cause")
	}
	sent, err := records.ListByOwnerAndDirection(ctx, "", store.Sent)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Errorf("%d sent records written after failed delivery", len(sent))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("staged file removed after failed delivery: %v", err)
	}
}

func TestSendRejects(t *testing.T) {
	ctx := context.Background()
	records := newRecords(t)
	deliverer := &capture{}
	sender := NewSender(creds, records, deliverer, nil)

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"bad key", Request{Sender: "user_a@domain.com", APIKey: "wrong", To: "user_b@domain.com"}, users.ErrAuthentication},
		{"unknown sender", Request{Sender: "ghost@domain.com", APIKey: "key-a", To: "user_b@domain.com"}, users.ErrAuthentication},
		{"no domain", Request{Sender: "user_a@domain.com", APIKey: "key-a", To: "user_b"}, ErrInvalidRecipient},
		{"empty recipient", Request{Sender: "user_a@domain.com", APIKey: "key-a", To: "  "}, ErrInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sender.Send(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if deliverer.msg != nil {
		t.Error("deliverer called for rejected request")
	}
}

type openAuth struct{}

func (openAuth) VerifyPassword(_ context.Context, identifier, password string) (users.Credential, error) {
	if password != "relay-pass" {
		return users.Credential{}, users.ErrAuthentication
	}
	return users.Credential{Email: identifier, Active: true}, nil
}

func TestSMTPDelivererLoopback(t *testing.T) {
	inbound := newRecords(t)
	srv := smtpserver.New(smtpserver.Config{
		AuthRequired:   true,
		AllowedDomains: []string{"domain.com"},
	}, openAuth{}, smtpserver.NewIngester(inbound, nil, nil), nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	defer srv.Close()

	outbound := newRecords(t)
	deliverer := SMTPDeliverer{Addr: l.Addr().String(), HelloName: "localhost", Username: "relay@domain.com", Password: "relay-pass"}
	sender := NewSender(creds, outbound, deliverer, nil)

	ctx := context.Background()
	result, err := sender.Send(ctx, Request{
		Sender: "user_a@domain.com", APIKey: "key-a", To: "user_b@domain.com",
		Subject: "over the wire", Text: "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, err := inbound.ListByOwnerAndDirection(ctx, "user_b@domain.com", store.Received)
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || received[0].Subject != "over the wire" || received[0].Text != "hello" {
		t.Fatalf("received = %+v", received)
	}
	if received[0].User != "relay@domain.com" {
		t.Errorf("inbound identity = %q", received[0].User)
	}
	if _, err := outbound.GetByID(ctx, result.RecordID); err != nil {
		t.Errorf("sent copy missing: %v", err)
	}

	bad := SMTPDeliverer{Addr: l.Addr().String(), Username: "relay@domain.com", Password: "nope"}
	err = bad.Deliver(ctx, "user_a@domain.com", []string{"user_b@domain.com"}, strings.NewReader("Subject: x\r\n\r\ny\r\n"))
	if err == nil {
		t.Error("delivery with bad relay credentials succeeded")
	}
}
