package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for storage-sync.
type Config struct {
	// Storage server root and account.
	APIURL   string `env:"ZFS_API_URL" envDefault:"https://sync.zotero.org/"`
	Username string `env:"ZOTERO_USERNAME"`
	Password string `env:"ZOTERO_PASSWORD"`
	UserID   int64  `env:"ZOTERO_USER_ID"`

	// Local library. StorageDir holds one directory per attachment key.
	LibraryManifest string `env:"LIBRARY_MANIFEST"`
	StorageDir      string `env:"STORAGE_DIR"`

	// TempDir holds staged zips and in-progress downloads. Defaults to
	// <state dir>/tmp.
	TempDir string `env:"TEMP_DIR"`

	// StateDB is the bbolt file for the ledger and settings. Defaults to
	// ~/.storage-sync/state.db.
	StateDB string `env:"STATE_DB"`

	MaxConcurrentUploads   int           `env:"MAX_CONCURRENT_UPLOADS" envDefault:"2"`
	MaxConcurrentDownloads int           `env:"MAX_CONCURRENT_DOWNLOADS" envDefault:"4"`
	APIRateLimit           float64       `env:"API_RATE_LIMIT" envDefault:"10"`
	HTTPTimeout            time.Duration `env:"HTTP_TIMEOUT" envDefault:"10m"`

	// DisableAutoReset turns off the one-time client reset after the
	// server reports a missing item during upload.
	DisableAutoReset bool `env:"DEBUG_NO_AUTO_RESET_CLIENT" envDefault:"false"`

	// IncludeGroupFiles syncs group library attachments as well as the
	// personal library.
	IncludeGroupFiles bool `env:"INCLUDE_GROUP_FILES" envDefault:"true"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Username == "" {
		return fmt.Errorf("ZOTERO_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("ZOTERO_PASSWORD is required")
	}

	if c.UserID <= 0 {
		return fmt.Errorf("ZOTERO_USER_ID must be a positive integer")
	}

	if c.LibraryManifest == "" {
		return fmt.Errorf("LIBRARY_MANIFEST is required")
	}

	if c.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ZFS_API_URL must be an absolute http(s) URL")
	}

	if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		return fmt.Errorf("ZFS_API_URL must use https for non-local hosts")
	}

	if c.MaxConcurrentUploads < 1 || c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_UPLOADS and MAX_CONCURRENT_DOWNLOADS must be at least 1")
	}

	if c.APIRateLimit < 0 {
		return fmt.Errorf("API_RATE_LIMIT must not be negative")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// resolvePaths makes every path absolute and fills in the state defaults.
// Archive extraction checks containment by comparing paths, which only
// works reliably with absolute ones.
func (c *Config) resolvePaths() error {
	if c.StateDB == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return err
		}

		c.StateDB = p
	}

	if c.TempDir == "" {
		c.TempDir = filepath.Join(filepath.Dir(c.StateDB), "tmp")
	}

	for name, p := range map[string]*string{
		"LIBRARY_MANIFEST": &c.LibraryManifest,
		"STORAGE_DIR":      &c.StorageDir,
		"TEMP_DIR":         &c.TempDir,
		"STATE_DB":         &c.StateDB,
	} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s to absolute path: %w", name, err)
		}

		*p = abs
	}

	return nil
}

// DefaultStatePath returns ~/.storage-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".storage-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Password != "" {
		out.Password = strings.Repeat("*", 8)
	}

	return out
}
