package config

import (
	"encoding/json"
	"equity-signal-bot-go/internal/logger"
	"equity-signal-bot-go/internal/models"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envAPIKey    = "APCA_API_KEY_ID"
	envAPISecret = "APCA_API_SECRET_KEY"
)

// LoadConfig reads a JSON or YAML file (chosen by extension) over the
// defaults, pulls credentials from the environment and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := models.DefaultConfig()
	// a file that names watchlists replaces the default set entirely
	cfg.Watchlists = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Watchlists == nil {
		cfg.Watchlists = models.DefaultConfig().Watchlists
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			logger.S().Infof("no %s file, credentials come from the environment", f)
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		logger.S().Infof("loaded environment from %s", f)
	}
	return nil
}

// ApplyEnv copies venue credentials from the environment into cfg.
func ApplyEnv(cfg *models.Config) {
	if v := os.Getenv(envAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(envAPISecret); v != "" {
		cfg.APISecret = v
	}
}
