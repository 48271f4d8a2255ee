package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/mailrelay/internal/api"
	"github.io/infrasutra/mailrelay/internal/auth"
	"github.io/infrasutra/mailrelay/internal/config"
	"github.io/infrasutra/mailrelay/internal/mailbox"
	"github.io/infrasutra/mailrelay/internal/relay"
	"github.io/infrasutra/mailrelay/internal/smtpserver"
	"github.io/infrasutra/mailrelay/internal/sse"
	"github.io/infrasutra/mailrelay/internal/star"
	"github.io/infrasutra/mailrelay/internal/store"
	"github.io/infrasutra/mailrelay/internal/users"
)

type directory interface {
	users.WritableDirectory
	api.LoginRecorder
}

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("mailrelay stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, closeDir, err := openDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDir()

	hasher := users.BcryptHasher{}
	if err := users.ApplySeeds(ctx, dir, hasher, seeds(cfg.Users), time.Now()); err != nil {
		return fmt.Errorf("seed users: %w", err)
	}
	validator := users.NewValidator(dir, hasher)

	records, err := store.NewFileStore(cfg.StorageDir, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	stars, closeStars, err := openStarIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStars()

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}
	if cfg.AdminKey == "" {
		logger.Info("ADMIN_KEY not set; unfiltered mailbox view disabled")
	}

	hub := sse.NewHub()
	service := mailbox.NewService(records, stars, logger)
	sender := relay.NewSender(validator, records, relay.SMTPDeliverer{
		Addr:      cfg.RelayAddr,
		HelloName: cfg.SMTPDomain,
		Username:  cfg.RelayUsername,
		Password:  cfg.RelayPassword,
	}, logger)

	apiServer := api.NewServer(service, sender, validator, authManager, hub, records, api.Options{
		AdminKey:       cfg.AdminKey,
		UploadsDir:     cfg.UploadsDir,
		MaxUploadBytes: cfg.SMTPMaxMessageBytes,
		PageSize:       cfg.PageSize,
		DefaultSort:    cfg.DefaultSort,
		Logins:         dir,
	}, logger)

	if cfg.SMTPAuthRequired {
		logger.Info("smtp auth required")
	} else {
		logger.Warn("smtp auth optional; unauthenticated clients may submit to allowed domains")
	}
	smtpSrv := smtpserver.New(smtpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.SMTPPort),
		Domain:          cfg.SMTPDomain,
		AuthRequired:    cfg.SMTPAuthRequired,
		AllowedDomains:  cfg.AllowedDomains,
		ReadTimeout:     cfg.SMTPReadTimeout,
		MaxMessageBytes: cfg.SMTPMaxMessageBytes,
	}, validator, smtpserver.NewIngester(records, hub, logger), logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpSrv.ListenAndServe()
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		if err := smtpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown smtp", "error", err)
			_ = smtpSrv.Close()
		}
		return nil
	})
	return g.Wait()
}

func openDirectory(ctx context.Context, cfg config.Config) (directory, func(), error) {
	switch cfg.UsersBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		dir, err := users.NewPostgresDirectory(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return dir, pool.Close, nil
	default:
		dir, err := users.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() { _ = dir.Close() }, nil
	}
}

func openStarIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (star.Index, func(), error) {
	if cfg.StarBackend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return star.NewRedisIndex(client, ""), func() { _ = client.Close() }, nil
	}
	index, err := star.NewFileIndex(filepath.Join(cfg.StorageDir, "starred"), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open star index: %w", err)
	}
	return index, func() {}, nil
}

func seeds(list []config.UserSeed) []users.Seed {
	out := make([]users.Seed, 0, len(list))
	for _, u := range list {
		out = append(out, users.Seed{
			Email:        u.Email,
			Password:     u.Password,
			PasswordHash: u.PasswordHash,
			APIKey:       u.APIKey,
			APIKeyHash:   u.APIKeyHash,
			Active:       u.IsActive(),
		})
	}
	return out
}
