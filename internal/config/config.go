package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type UserSeed struct {
	Email        string `yaml:"email"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	APIKey       string `yaml:"api_key"`
	APIKeyHash   string `yaml:"api_key_hash"`
	Active       *bool  `yaml:"active"`
}

// IsActive defaults to true when the file omits the flag.
func (u UserSeed) IsActive() bool {
	return u.Active == nil || *u.Active
}

type Config struct {
	HTTPPort int
	// PageSize is the listing page size when a request names none; 0 lists everything.
	PageSize    int
	DefaultSort string

	SMTPPort            int
	SMTPDomain          string
	SMTPAuthRequired    bool
	SMTPReadTimeout     time.Duration
	SMTPMaxMessageBytes int64
	AllowedDomains      []string

	StorageDir string
	UploadsDir string

	UsersBackend string
	DBPath       string
	DatabaseURL  string

	StarBackend string
	RedisURL    string

	RelayAddr     string
	RelayUsername string
	RelayPassword string

	AuthSecret string
	AdminKey   string

	LogLevel  string
	LogFormat string

	ConfigPath string
	Users      []UserSeed
}

// fileConfig mirrors the optional YAML file.
type fileConfig struct {
	AllowedDomains []string   `yaml:"allowed_domains"`
	Users          []UserSeed `yaml:"users"`
}

// Load reads the environment, then overlays the YAML file named by
// CONFIG_PATH when it is set.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:            getEnvInt("HTTP_PORT", 4000),
		PageSize:            getEnvInt("HTTP_PAGE_SIZE", 0),
		DefaultSort:         strings.ToLower(getEnvString("HTTP_DEFAULT_SORT", "newest")),
		SMTPPort:            getEnvInt("SMTP_PORT", 2525),
		SMTPDomain:          getEnvString("SMTP_DOMAIN", "mailrelay"),
		SMTPAuthRequired:    getEnvBool("SMTP_AUTH_REQUIRED", false),
		SMTPReadTimeout:     getEnvDuration("SMTP_READ_TIMEOUT", 5*time.Minute),
		SMTPMaxMessageBytes: int64(getEnvInt("SMTP_MAX_MESSAGE_BYTES", 25<<20)),
		AllowedDomains:      getEnvList("ALLOWED_DOMAINS", []string{"domain.com"}),
		StorageDir:          getEnvString("STORAGE_DIR", "emails"),
		UploadsDir:          getEnvString("UPLOADS_DIR", "uploads"),
		UsersBackend:        strings.ToLower(getEnvString("USERS_BACKEND", "sqlite")),
		DBPath:              getEnvString("DB_PATH", "mailrelay.db"),
		DatabaseURL:         getEnvString("DATABASE_URL", ""),
		StarBackend:         strings.ToLower(getEnvString("STAR_BACKEND", "file")),
		RedisURL:            getEnvString("REDIS_URL", "redis://localhost:6379/0"),
		RelayAddr:           getEnvString("RELAY_ADDR", ""),
		RelayUsername:       getEnvString("RELAY_USERNAME", ""),
		RelayPassword:       getEnvString("RELAY_PASSWORD", ""),
		AuthSecret:          getEnvString("AUTH_SECRET", ""),
		AdminKey:            getEnvString("ADMIN_KEY", ""),
		LogLevel:            getEnvString("LOG_LEVEL", "info"),
		LogFormat:           getEnvString("LOG_FORMAT", "text"),
		ConfigPath:          getEnvString("CONFIG_PATH", ""),
	}
	if cfg.RelayAddr == "" {
		cfg.RelayAddr = fmt.Sprintf("127.0.0.1:%d", cfg.SMTPPort)
	}

	if cfg.ConfigPath != "" {
		if err := cfg.overlay(cfg.ConfigPath); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var raw fileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	if len(raw.AllowedDomains) > 0 {
		c.AllowedDomains = normalizeList(raw.AllowedDomains)
	}
	for _, u := range raw.Users {
		if strings.TrimSpace(u.Email) == "" {
			continue
		}
		c.Users = append(c.Users, u)
	}
	return nil
}

func (c Config) validate() error {
	switch c.UsersBackend {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("USERS_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown USERS_BACKEND %q", c.UsersBackend)
	}
	switch c.StarBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown STAR_BACKEND %q", c.StarBackend)
	}
	if len(c.AllowedDomains) == 0 {
		return fmt.Errorf("at least one allowed domain is required")
	}
	if c.PageSize < 0 {
		return fmt.Errorf("HTTP_PAGE_SIZE cannot be negative")
	}
	switch c.DefaultSort {
	case "newest", "oldest", "desc", "asc":
	default:
		return fmt.Errorf("unknown HTTP_DEFAULT_SORT %q", c.DefaultSort)
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		if list := normalizeList(strings.Split(value, ",")); len(list) > 0 {
			return list
		}
	}
	return fallback
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
