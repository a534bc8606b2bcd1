// Package config parses the server configuration from flags with DOCS_* environment defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MemoryDSN selects the in-process status store.
const MemoryDSN = "memory://"

// Config is the server configuration.
type Config struct {
	HTTPAddr        string
	OpsAddr         string
	OpsTLSCert      string
	OpsTLSKey       string
	Dev             bool
	ShutdownTimeout time.Duration

	DSN         string
	MaxConns    int
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
	NATSURLs    string
	NATSPrefix  string
	StorageRoot string

	URLKey         string
	URLSessionTTL  time.Duration
	URLTemporary   time.Duration
	PasswordSecret string
	PasswordSalt   string
	InboxSecret    string
	OutboxSecret   string

	OpenProtectedFile   bool
	UpdateVersionExpiry time.Duration
	PresenceTTL         time.Duration
	ForceSaveInterval   time.Duration
	SaveFormat          string
	ForgottenName       string

	CallbackRetries    int
	CallbackMinTimeout time.Duration
	CallbackMaxTimeout time.Duration
	CallbackStatuses   string
	CallbackTimeout    time.Duration

	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	SchedulerTick   time.Duration

	FileExpireInterval     time.Duration
	FileMaxAge             time.Duration
	DocumentExpireInterval time.Duration
	ForceSaveCheckInterval time.Duration

	PasswordMaxFails int
	PasswordWindow   time.Duration
	PasswordBlock    time.Duration
}

// Memory reports whether the status store runs in-process.
func (c *Config) Memory() bool { return c.DSN == MemoryDSN }

// Load parses args (without the program name). Secrets and endpoints default to
// their DOCS_* environment variables.
func Load(args []string) (*Config, error) {
	var c Config
	fs := flag.NewFlagSet("docs-server", flag.ContinueOnError)

	fs.StringVar(&c.HTTPAddr, "addr", env("DOCS_ADDR", ":8000"), "HTTP listen address")
	fs.StringVar(&c.OpsAddr, "ops-addr", env("DOCS_OPS_ADDR", ":8443"), "gRPC health listen address, empty disables it")
	fs.StringVar(&c.OpsTLSCert, "tls-cert", env("DOCS_TLS_CERT", ""), "TLS certificate for the ops listener (PEM)")
	fs.StringVar(&c.OpsTLSKey, "tls-key", env("DOCS_TLS_KEY", ""), "TLS private key for the ops listener (PEM)")
	fs.BoolVar(&c.Dev, "dev", false, "enable gRPC reflection (dev only)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown limit")

	fs.StringVar(&c.DSN, "dsn", env("DOCS_DSN", MemoryDSN), "PostgreSQL DSN or memory://")
	fs.IntVar(&c.MaxConns, "max-conns", 0, "status store pool size, 0 keeps the driver default")
	fs.StringVar(&c.RedisAddr, "redis-addr", env("DOCS_REDIS_ADDR", ""), "Redis address for editor data, empty keeps it in process")
	fs.StringVar(&c.RedisPass, "redis-password", env("DOCS_REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", envInt("DOCS_REDIS_DB", 0), "Redis database")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "docs:", "Redis key prefix")
	fs.StringVar(&c.NATSURLs, "nats", env("DOCS_NATS_URL", ""), "comma separated NATS servers, empty keeps the queue in process")
	fs.StringVar(&c.NATSPrefix, "nats-prefix", "docs", "NATS subject prefix")
	fs.StringVar(&c.StorageRoot, "storage", env("DOCS_STORAGE", "./data"), "local object store root")

	fs.StringVar(&c.URLKey, "url-key", env("DOCS_URL_KEY", ""), "HS256 key of signed storage URLs (required)")
	fs.DurationVar(&c.URLSessionTTL, "url-session-ttl", 24*time.Hour, "lifetime of session URLs")
	fs.DurationVar(&c.URLTemporary, "url-temporary-ttl", 5*time.Minute, "lifetime of temporary URLs")
	fs.StringVar(&c.PasswordSecret, "password-secret", env("DOCS_PASSWORD_SECRET", ""), "master secret of document passwords, empty disables protected files")
	fs.StringVar(&c.PasswordSalt, "password-salt", env("DOCS_PASSWORD_SALT", "docservice"), "salt of the password master key")
	fs.StringVar(&c.InboxSecret, "inbox-secret", env("DOCS_INBOX_SECRET", ""), "HS256 key required on commands, empty disables the check")
	fs.StringVar(&c.OutboxSecret, "outbox-secret", env("DOCS_OUTBOX_SECRET", ""), "HS256 key signing save callbacks, empty disables it")

	fs.BoolVar(&c.OpenProtectedFile, "open-protected", true, "allow opening password protected documents")
	fs.DurationVar(&c.UpdateVersionExpiry, "update-version-expiry", 5*time.Minute, "age after which an UpdateVersion row reads as Ok")
	fs.DurationVar(&c.PresenceTTL, "presence-ttl", 5*time.Minute, "document expiry after the last presence refresh")
	fs.DurationVar(&c.ForceSaveInterval, "forcesave-interval", 0, "timeout force-save delay after a change, 0 disables it")
	fs.StringVar(&c.SaveFormat, "save-format", "docx", "extension of saved documents")
	fs.StringVar(&c.ForgottenName, "forgotten-name", "output", "base name of forgotten copies")

	fs.IntVar(&c.CallbackRetries, "callback-retries", 3, "redeliveries of a failed save callback")
	fs.DurationVar(&c.CallbackMinTimeout, "callback-min-timeout", time.Second, "first redelivery delay")
	fs.DurationVar(&c.CallbackMaxTimeout, "callback-max-timeout", time.Hour, "redelivery delay cap")
	fs.StringVar(&c.CallbackStatuses, "callback-retry-statuses", "429,500-599", "HTTP statuses worth a redelivery")
	fs.DurationVar(&c.CallbackTimeout, "callback-timeout", 10*time.Second, "save callback request timeout")

	fs.DurationVar(&c.IdleTimeout, "session-idle", 0, "idle session timeout, 0 disables it")
	fs.DurationVar(&c.AbsoluteTimeout, "session-absolute", 0, "absolute session timeout, 0 disables it")
	fs.DurationVar(&c.SchedulerTick, "session-tick", time.Second, "session timeout check period")

	fs.DurationVar(&c.FileExpireInterval, "expire-files-every", time.Hour, "expired file sweep period, 0 disables it")
	fs.DurationVar(&c.FileMaxAge, "expire-files-after", 24*time.Hour, "age after which unopened files are removed")
	fs.DurationVar(&c.DocumentExpireInterval, "expire-documents-every", time.Minute, "presence expiry sweep period, 0 disables it")
	fs.DurationVar(&c.ForceSaveCheckInterval, "forcesave-check-every", time.Minute, "timeout force-save sweep period, 0 disables it")

	fs.IntVar(&c.PasswordMaxFails, "password-max-fails", 5, "wrong passwords before a lockout, 0 disables throttling")
	fs.DurationVar(&c.PasswordWindow, "password-window", 15*time.Minute, "window of counted wrong passwords")
	fs.DurationVar(&c.PasswordBlock, "password-block", 15*time.Minute, "lockout after too many wrong passwords")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.URLKey == "" {
		errs = append(errs, errors.New("validation: missing url key (--url-key or DOCS_URL_KEY)"))
	}
	if c.DSN != MemoryDSN && !strings.HasPrefix(c.DSN, "postgres://") && !strings.HasPrefix(c.DSN, "postgresql://") {
		errs = append(errs, fmt.Errorf("validation: unsupported dsn %q", c.DSN))
	}
	if (c.OpsTLSCert == "") != (c.OpsTLSKey == "") {
		errs = append(errs, errors.New("validation: --tls-cert and --tls-key go together"))
	}
	if c.CallbackRetries < 0 {
		errs = append(errs, errors.New("validation: negative callback retries"))
	}
	if c.SchedulerTick <= 0 {
		errs = append(errs, errors.New("validation: session tick must be positive"))
	}
	return errors.Join(errs...)
}

// NATSServers splits the NATS server list.
func (c *Config) NATSServers() []string {
	var out []string
	for _, s := range strings.Split(c.NATSURLs, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
