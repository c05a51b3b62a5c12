package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerURL      string
	DataDir        string
	MinRetryDelay  time.Duration
	MaxRetryDelay  time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
}

// Load reads configuration from the environment, after loading a .env file
// if one is present. Unset values fall back to defaults.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:      "wss://veia-api.leen2233.me/",
		DataDir:        defaultDataDir(),
		MinRetryDelay:  1 * time.Second,
		MaxRetryDelay:  10 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
	}

	if url := os.Getenv("VEIA_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}

	if dir := os.Getenv("VEIA_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if s := os.Getenv("VEIA_MIN_RETRY_DELAY"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.MinRetryDelay = d
		}
	}

	if s := os.Getenv("VEIA_MAX_RETRY_DELAY"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.MaxRetryDelay = d
		}
	}

	if s := os.Getenv("VEIA_MAX_RETRIES"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.MaxRetries = n
		}
	}

	if s := os.Getenv("VEIA_CONNECT_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			cfg.ConnectTimeout = d
		}
	}

	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veia"
	}
	return filepath.Join(home, ".veia")
}
