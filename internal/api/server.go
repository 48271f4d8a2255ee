package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailrelay/internal/auth"
	"github.io/infrasutra/mailrelay/internal/mailbox"
	"github.io/infrasutra/mailrelay/internal/pagination"
	"github.io/infrasutra/mailrelay/internal/relay"
	"github.io/infrasutra/mailrelay/internal/sse"
	"github.io/infrasutra/mailrelay/internal/store"
	"github.io/infrasutra/mailrelay/internal/users"
)

const (
	adminHeader       = "X-Admin-Key"
	totalCountHeader  = "X-Total-Count"
	defaultUploadSize = 25 << 20
	streamPing        = 20 * time.Second
)

var errMissingSession = errors.New("missing session")

// Accounts is the credential surface the handlers need.
type Accounts interface {
	Resolve(ctx context.Context, identifier string) (users.Credential, error)
	VerifyAPIKey(ctx context.Context, identifier, key string) (users.Credential, error)
	Users(ctx context.Context) ([]string, error)
}

// LoginRecorder is implemented by directories that track the last login.
type LoginRecorder interface {
	TouchLogin(ctx context.Context, email string, now time.Time) error
}

// Sender is the outbound path behind POST /send/email.
type Sender interface {
	Send(ctx context.Context, req relay.Request) (relay.Result, error)
}

// HealthReporter reports which storage categories are available.
type HealthReporter interface {
	Health() map[string]bool
}

type Options struct {
	AdminKey       string
	UploadsDir     string
	MaxUploadBytes int64
	// PageSize applies to listings whose request names no limit; 0 lists everything.
	PageSize    int
	DefaultSort string
	// Logins, when set, is told about every successful login.
	Logins LoginRecorder
}

type Server struct {
	mail     *mailbox.Service
	sender   Sender
	accounts Accounts
	logins   LoginRecorder
	auth     *auth.Manager
	hub      *sse.Hub
	health   HealthReporter
	opts     Options
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(mail *mailbox.Service, sender Sender, accounts Accounts, authManager *auth.Manager, hub *sse.Hub, health HealthReporter, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultUploadSize
	}
	if opts.UploadsDir == "" {
		opts.UploadsDir = os.TempDir()
	}
	server := &Server{
		mail:     mail,
		sender:   sender,
		accounts: accounts,
		auth:     authManager,
		hub:      hub,
		health:   health,
		opts:     opts,
		logins:   opts.Logins,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", server.handleLogin)
	mux.HandleFunc("POST /auth/logout", server.handleLogout)
	mux.HandleFunc("GET /auth/me", server.handleMe)

	mux.HandleFunc("GET /emails", server.handleList(mailbox.ScopeReceived))
	mux.HandleFunc("GET /emails/{id}", server.handleEmail(store.Received))
	mux.HandleFunc("GET /emails/{id}/raw", server.handleRaw)
	mux.HandleFunc("GET /emails/{id}/error", server.handleFailure)
	mux.HandleFunc("GET /emails/{id}/attachments/{filename}", server.handleAttachment(store.Received))

	mux.HandleFunc("GET /sent-emails", server.handleList(mailbox.ScopeSent))
	mux.HandleFunc("GET /sent-emails/{id}", server.handleEmail(store.Sent))
	mux.HandleFunc("GET /sent-emails/{id}/attachments/{filename}", server.handleAttachment(store.Sent))

	mux.HandleFunc("GET /all-emails", server.handleList(mailbox.ScopeAll))

	mux.HandleFunc("GET /starred", server.handleStarred)
	mux.HandleFunc("POST /starred/{id}", server.handleStar)
	mux.HandleFunc("DELETE /starred/{id}", server.handleUnstar)

	mux.HandleFunc("POST /send/email", server.handleSend)
	mux.HandleFunc("GET /users", server.handleUsers)
	mux.HandleFunc("GET /stream", server.handleStream)
	mux.HandleFunc("GET /health", server.handleHealth)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		APIKey   string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	identifier := payload.Username
	if identifier == "" {
		identifier = payload.Email
	}
	if strings.TrimSpace(identifier) == "" {
		s.respondError(w, http.StatusBadRequest, "username or email is required")
		return
	}

	cred, err := s.accounts.VerifyAPIKey(r.Context(), identifier, payload.APIKey)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrInactive):
			s.respondError(w, http.StatusForbidden, "account is disabled, contact an administrator")
		case errors.Is(err, users.ErrAuthentication):
			s.respondError(w, http.StatusUnauthorized, "invalid username/email or API key")
		default:
			s.logger.Error("login", "error", err)
			s.respondError(w, http.StatusInternalServerError, "unable to verify credentials")
		}
		return
	}

	now := time.Now()
	token, err := s.auth.Issue(cred.Email, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	if s.logins != nil {
		if err := s.logins.TouchLogin(r.Context(), cred.Email, now); err != nil {
			s.logger.Warn("record login", "user", cred.Email, "error", err)
		}
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"email":     cred.Email,
		"token":     token,
		"expiresAt": now.Add(s.auth.MaxAge()).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	email, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleList(scope mailbox.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.viewer(w, r)
		if !ok {
			return
		}
		records, err := s.mail.Emails(r.Context(), user, scope)
		if err != nil {
			s.respondMailboxError(w, "list emails", err)
			return
		}
		params := s.pageParams(r)
		w.Header().Set(totalCountHeader, strconv.Itoa(len(records)))
		if pagination.GetHasNext(params.Offset, params.Limit, len(records)) {
			w.Header().Set("X-Has-Next", "true")
		}
		s.respondJSON(w, http.StatusOK, emptyIfNil(pagination.Apply(records, params)))
	}
}

// handleEmail serves one record from the direction the route names.
func (s *Server) handleEmail(dir store.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.viewer(w, r)
		if !ok {
			return
		}
		record, err := s.mail.Email(r.Context(), r.PathValue("id"), user)
		if err != nil {
			s.respondMailboxError(w, "load email", err)
			return
		}
		if record.Type != dir {
			s.respondError(w, http.StatusNotFound, "not found")
			return
		}
		s.respondJSON(w, http.StatusOK, record)
	}
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	user, ok := s.viewer(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	raw, err := s.mail.Raw(r.Context(), id, user)
	if err != nil {
		s.respondMailboxError(w, "load raw message", err)
		return
	}
	defer raw.Close()
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", id+".eml"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, raw); err != nil {
		s.logger.Warn("stream raw message", "id", id, "error", err)
	}
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	user, ok := s.viewer(w, r)
	if !ok {
		return
	}
	failure, err := s.mail.FailedMessage(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.respondMailboxError(w, "load failure record", err)
		return
	}
	s.respondJSON(w, http.StatusOK, failure)
}

func (s *Server) handleAttachment(dir store.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.viewer(w, r)
		if !ok {
			return
		}
		filename := r.PathValue("filename")
		path, err := s.mail.AttachmentPath(r.Context(), r.PathValue("id"), filename, dir, user)
		if err != nil {
			s.respondMailboxError(w, "load attachment", err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
	}
}

func (s *Server) handleStarred(w http.ResponseWriter, r *http.Request) {
	user, ok := s.namedViewer(w, r)
	if !ok {
		return
	}
	records, err := s.mail.Starred(r.Context(), user)
	if err != nil {
		s.respondMailboxError(w, "list starred", err)
		return
	}
	params := s.pageParams(r)
	w.Header().Set(totalCountHeader, strconv.Itoa(len(records)))
	s.respondJSON(w, http.StatusOK, emptyIfNil(pagination.Apply(records, params)))
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	user, ok := s.namedViewer(w, r)
	if !ok {
		return
	}
	if err := s.mail.Star(r.Context(), user, r.PathValue("id")); err != nil {
		s.respondMailboxError(w, "star email", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUnstar(w http.ResponseWriter, r *http.Request) {
	user, ok := s.namedViewer(w, r)
	if !ok {
		return
	}
	if err := s.mail.Unstar(r.Context(), user, r.PathValue("id")); err != nil {
		s.respondMailboxError(w, "unstar email", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "request too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sender := r.FormValue("user")
	if sender == "" {
		if email, err := s.sessionEmail(r); err == nil {
			sender = email
		}
	}
	apiKey := r.FormValue("apiKey")
	if sender == "" || apiKey == "" {
		s.respondError(w, http.StatusBadRequest, "user and API key are required")
		return
	}

	staged, err := s.stageUploads(r.MultipartForm.File["attachments"])
	defer removeStaged(staged)
	if err != nil {
		s.logger.Error("stage upload", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to store upload")
		return
	}

	result, err := s.sender.Send(r.Context(), relay.Request{
		Sender:      sender,
		APIKey:      apiKey,
		To:          r.FormValue("to"),
		Subject:     r.FormValue("subject"),
		Text:        r.FormValue("text"),
		HTML:        r.FormValue("html"),
		Attachments: staged,
	})
	if err != nil {
		var delivery *relay.DeliveryError
		switch {
		case errors.Is(err, users.ErrInactive):
			s.respondError(w, http.StatusForbidden, "account is disabled")
		case errors.Is(err, users.ErrAuthentication):
			s.respondError(w, http.StatusUnauthorized, "authentication failed")
		case errors.Is(err, relay.ErrInvalidRecipient):
			s.respondError(w, http.StatusBadRequest, "invalid recipient")
		case errors.As(err, &delivery):
			s.respondError(w, http.StatusBadGateway, delivery.Error())
		default:
			s.logger.Error("send email", "user", sender, "error", err)
			s.respondError(w, http.StatusInternalServerError, "unable to send email")
		}
		return
	}
	s.respondJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		relay.Result
	}{Success: true, Result: result})
}

// stageUploads copies each uploaded file into the uploads directory. Files
// that the relay moved into storage no longer exist when removeStaged runs.
func (s *Server) stageUploads(headers []*multipart.FileHeader) ([]relay.Staged, error) {
	if err := os.MkdirAll(s.opts.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	staged := make([]relay.Staged, 0, len(headers))
	for _, header := range headers {
		path, err := stageUpload(s.opts.UploadsDir, header)
		if err != nil {
			return staged, err
		}
		staged = append(staged, relay.Staged{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Path:        path,
		})
	}
	return staged, nil
}

func stageUpload(dir string, header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()
	dst, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("close staged file: %w", err)
	}
	return dst.Name(), nil
}

func removeStaged(staged []relay.Staged) {
	for _, file := range staged {
		_ = os.Remove(file.Path)
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.Users(r.Context())
	if err != nil {
		s.logger.Error("list users", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to list users")
		return
	}
	s.respondJSON(w, http.StatusOK, emptyIfNil(list))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	email, ok := s.namedViewer(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(email)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamPing)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	dirs := map[string]bool{}
	if s.health != nil {
		dirs = s.health.Health()
	}
	for _, ok := range dirs {
		if !ok {
			status = "degraded"
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"directories": dirs,
	})
}

// viewer resolves the identity a read is filtered by. Administrators get
// the unfiltered view, or the one named by the user query parameter.
func (s *Server) viewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.isAdmin(r) {
		return users.NormalizeIdentifier(r.URL.Query().Get("user")), true
	}
	return s.requireSession(w, r)
}

// namedViewer is viewer for operations that always act on one user.
func (s *Server) namedViewer(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := s.viewer(w, r)
	if !ok {
		return "", false
	}
	if user == "" {
		s.respondError(w, http.StatusBadRequest, "user is required")
		return "", false
	}
	return user, true
}

func (s *Server) isAdmin(r *http.Request) bool {
	key := r.Header.Get(adminHeader)
	if s.opts.AdminKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.AdminKey)) == 1
}

// requireSession writes the error response itself when it returns false.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, err := s.sessionEmail(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	cred, err := s.accounts.Resolve(r.Context(), email)
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return "", false
		}
		s.logger.Error("resolve session user", "user", email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to verify session")
		return "", false
	}
	if !cred.Active {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return "", false
	}
	return cred.Email, true
}

func (s *Server) sessionEmail(r *http.Request) (string, error) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if cookie, err := r.Cookie(s.auth.CookieName()); err == nil {
		token = cookie.Value
	}
	if token == "" {
		return "", errMissingSession
	}
	return s.auth.Parse(token, time.Now())
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondMailboxError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, mailbox.ErrAccessDenied):
		s.respondError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, store.ErrInvalidDirection), errors.Is(err, store.ErrInvalidID):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error(op, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"success": false, "error": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) pageParams(r *http.Request) *pagination.Params {
	return pagination.GetPaginationParams(r.URL.Query(),
		pagination.WithDefaultLimit(s.opts.PageSize),
		pagination.WithDefaultSort(s.opts.DefaultSort),
	)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
