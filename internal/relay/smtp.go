package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPDeliverer submits messages to an SMTP relay, authenticating with PLAIN
// when a username is set.
type SMTPDeliverer struct {
	Addr      string
	HelloName string
	Username  string
	Password  string
}

func (d SMTPDeliverer) Deliver(ctx context.Context, from string, to []string, msg io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := smtp.Dial(d.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if d.HelloName != "" {
		if err := client.Hello(d.HelloName); err != nil {
			return fmt.Errorf("hello: %w", err)
		}
	}
	if d.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", d.Username, d.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := io.Copy(w, msg); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}
