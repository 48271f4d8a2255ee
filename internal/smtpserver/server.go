package smtpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
)

const (
	defaultDomain          = "mailrelay"
	defaultReadTimeout     = 5 * time.Minute
	defaultMaxMessageBytes = 25 << 20
)

type Config struct {
	Addr            string
	Domain          string
	AuthRequired    bool
	AllowedDomains  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
}

type Server struct {
	smtp    *smtp.Server
	backend *backend
	logger  *slog.Logger
}

// New builds the inbound listener. auth may be nil, in which case AUTH is not
// offered and AuthRequired cannot be satisfied.
func New(cfg Config, auth Authenticator, ingester *Ingester, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, domain := range cfg.AllowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			allowed[domain] = struct{}{}
		}
	}
	b := &backend{
		ctx:          context.Background(),
		auth:         auth,
		authRequired: cfg.AuthRequired,
		allowList:    allowed,
		ingester:     ingester,
		logger:       logger,
	}

	server := smtp.NewServer(b)
	server.Addr = cfg.Addr
	server.Domain = cfg.Domain
	if server.Domain == "" {
		server.Domain = defaultDomain
	}
	server.AllowInsecureAuth = true
	server.ReadTimeout = cfg.ReadTimeout
	if server.ReadTimeout <= 0 {
		server.ReadTimeout = defaultReadTimeout
	}
	server.WriteTimeout = cfg.WriteTimeout
	if server.WriteTimeout <= 0 {
		server.WriteTimeout = 15 * time.Second
	}
	server.MaxMessageBytes = cfg.MaxMessageBytes
	if server.MaxMessageBytes <= 0 {
		server.MaxMessageBytes = defaultMaxMessageBytes
	}
	server.MaxRecipients = cfg.MaxRecipients
	if server.MaxRecipients <= 0 {
		server.MaxRecipients = 100
	}

	return &Server{smtp: server, backend: b, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr, "auth_required", s.backend.authRequired)
	err := s.smtp.ListenAndServe()
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String(), "auth_required", s.backend.authRequired)
	err := s.smtp.Serve(l)
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtp.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	ctx          context.Context
	auth         Authenticator
	authRequired bool
	allowList    map[string]struct{}
	ingester     *Ingester
	logger       *slog.Logger
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	logger := b.logger
	if c != nil && c.Conn() != nil {
		logger = logger.With("remote", c.Conn().RemoteAddr().String())
	}
	return &session{backend: b, logger: logger}, nil
}

func (b *backend) allowed(domain string) bool {
	_, ok := b.allowList[strings.ToLower(domain)]
	return ok
}
