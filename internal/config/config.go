package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const installationIDFile = "installation_id"

type Config struct {
	// Server
	Port string
	Env  string // development, production

	// Storage
	DataDir     string
	StoreDriver string
	StoreDSN    string
	DatabaseURL string

	// InstallationID is the secret the token key is derived from. When
	// unset, a UUID is generated once and kept in DataDir.
	InstallationID string

	TMSTimeout time.Duration

	// Rate limiting, per client IP
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// FromEnv reads the environment (after loading .env if present) without
// validating anything.
func FromEnv() *Config {
	// Load .env file if it exists (don't error if missing)
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		DataDir:            getEnv("DATA_DIR", "./data"),
		StoreDriver:        getEnv("STORE_DRIVER", DriverSQLite),
		StoreDSN:           getEnv("STORE_DSN", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		InstallationID:     getEnv("INSTALLATION_ID", ""),
		TMSTimeout:         getEnvDuration("TMS_TIMEOUT", 8*time.Second),
		RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

// Load builds the server configuration: environment first, then
// command-line flags.
func Load(args []string) (*Config, error) {
	cfg := FromEnv()

	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.StringVar(&cfg.Port, "port", cfg.Port, "Server port")
	flags.StringVar(&cfg.Env, "env", cfg.Env, "Environment (development, production)")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for local state")
	flags.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Settings store driver (sqlite, file, postgres, memory)")
	flags.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "Settings store location")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize fills derived defaults, resolves the installation ID and
// validates the result.
func (c *Config) Finalize() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.StoreDSN == "" {
		switch c.StoreDriver {
		case DriverSQLite:
			c.StoreDSN = filepath.Join(c.DataDir, "dispatch.db")
		case DriverFile:
			c.StoreDSN = filepath.Join(c.DataDir, "settings.json")
		case DriverPostgres:
			c.StoreDSN = c.DatabaseURL
		}
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.InstallationID == "" {
		id, err := loadOrCreateInstallationID(c.DataDir)
		if err != nil {
			return err
		}
		c.InstallationID = id
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverFile, DriverMemory:
	case DriverPostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN or DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.TMSTimeout <= 0 {
		return fmt.Errorf("TMS_TIMEOUT must be positive")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func loadOrCreateInstallationID(dir string) (string, error) {
	path := filepath.Join(dir, installationIDFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id == "" {
			return "", fmt.Errorf("%s is empty", path)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read installation id: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	id := uuid.NewString()
	// O_EXCL so two first starts cannot both write; the loser reads the
	// winner's ID.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return loadOrCreateInstallationID(dir)
	}
	if err != nil {
		return "", fmt.Errorf("create installation id: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(id + "\n"); err != nil {
		return "", fmt.Errorf("write installation id: %w", err)
	}
	return id, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}
