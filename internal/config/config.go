package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config carries the process-level settings. Account credentials are
// not configuration; they arrive as a JSON document from the client.
type Config struct {
	Environment string
	ConfigDir   string
	// WSAddr, when set, enables the local WebSocket delta mirror.
	WSAddr string
}

// NewConfig reads the environment, loading .env first in development.
func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment: env,
		ConfigDir:   os.Getenv("CONFIG_DIR_PATH"),
		WSAddr:      os.Getenv("MAILSYNC_WS_ADDR"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required settings and ensures the directories exist.
func (c *Config) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("CONFIG_DIR_PATH is required")
	}
	if err := os.MkdirAll(c.FilesRoot(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// DatabasePath is the SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ConfigDir, "mailsync.db")
}

// FilesRoot is the base directory for attachment blobs.
func (c *Config) FilesRoot() string {
	return filepath.Join(c.ConfigDir, "files")
}
