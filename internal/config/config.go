package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreDir    = "dir"
	StoreSQLite = "sqlite"

	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`

	Store    string `env:"RETROBOT_STORE"`
	DataDir  string `env:"RETROBOT_DATA_DIR"`
	DBPath   string `env:"RETROBOT_DB_PATH"`
	CacheDir string `env:"RETROBOT_CACHE_DIR"`

	EngineCommand []string      `env:"RETROBOT_ENGINE_COMMAND" envSeparator:" "`
	EngineTimeout time.Duration `env:"RETROBOT_ENGINE_TIMEOUT"`
	EngineWorkers int           `env:"RETROBOT_ENGINE_WORKERS"`

	CacheSize        int           `env:"RETROBOT_CACHE_SIZE"`
	RecoveryWindow   int           `env:"RETROBOT_RECOVERY_WINDOW"`
	RecoveryFetchers int           `env:"RETROBOT_RECOVERY_FETCHERS"`
	TurnPolicy       string        `env:"RETROBOT_TURN_POLICY"`
	UITimeout        time.Duration `env:"RETROBOT_UI_TIMEOUT"`
	DownloadLimit    int64         `env:"RETROBOT_DOWNLOAD_LIMIT"`

	AdminAddr string `env:"RETROBOT_ADMIN_ADDR"`

	LogLevel  string `env:"RETROBOT_LOG_LEVEL"`
	LogFormat string `env:"RETROBOT_LOG_FORMAT"`

	EngineDownFailures     int           `env:"RETROBOT_ENGINE_DOWN_FAILURES"`
	EngineDownWindow       time.Duration `env:"RETROBOT_ENGINE_DOWN_WINDOW"`
	EngineRecoverSuccesses int           `env:"RETROBOT_ENGINE_RECOVER_SUCCESSES"`
}

func DefaultConfig() Config {
	return Config{
		Store:                  StoreDir,
		DataDir:                "data",
		DBPath:                 defaultDBPath(),
		CacheDir:               filepath.Join(os.TempDir(), "retrobot-cores"),
		EngineCommand:          []string{"retrobot-engine"},
		EngineTimeout:          2 * time.Minute,
		EngineWorkers:          runtime.NumCPU(),
		CacheSize:              100,
		RecoveryWindow:         100,
		RecoveryFetchers:       4,
		TurnPolicy:             PolicyReject,
		UITimeout:              10 * time.Second,
		DownloadLimit:          64 << 20,
		AdminAddr:              "127.0.0.1:8787",
		LogLevel:               "info",
		LogFormat:              "console",
		EngineDownFailures:     3,
		EngineDownWindow:       5 * time.Minute,
		EngineRecoverSuccesses: 1,
	}
}

// Load starts from DefaultConfig, reads an optional .env file and overlays
// the process environment. Variables that are unset keep their defaults.
func Load(envFiles ...string) (Config, error) {
	cfg := DefaultConfig()
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreDir:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("RETROBOT_DATA_DIR is required for the dir store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("RETROBOT_DB_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("invalid RETROBOT_STORE %q (want %s or %s)", c.Store, StoreDir, StoreSQLite)
	}
	switch c.TurnPolicy {
	case PolicyReject, PolicyQueue:
	default:
		return fmt.Errorf("invalid RETROBOT_TURN_POLICY %q (want %s or %s)", c.TurnPolicy, PolicyReject, PolicyQueue)
	}
	if c.EngineWorkers < 1 {
		return fmt.Errorf("RETROBOT_ENGINE_WORKERS must be positive, got %d", c.EngineWorkers)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("RETROBOT_CACHE_SIZE must be positive, got %d", c.CacheSize)
	}
	if c.RecoveryWindow < 1 {
		return fmt.Errorf("RETROBOT_RECOVERY_WINDOW must be positive, got %d", c.RecoveryWindow)
	}
	if c.RecoveryFetchers < 1 {
		return fmt.Errorf("RETROBOT_RECOVERY_FETCHERS must be positive, got %d", c.RecoveryFetchers)
	}
	if c.EngineTimeout <= 0 {
		return fmt.Errorf("RETROBOT_ENGINE_TIMEOUT must be positive, got %s", c.EngineTimeout)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "retrobot.db"
	}
	return filepath.Join(home, ".local", "state", "retrobot", "state.db")
}
