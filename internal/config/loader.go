package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultDirName  = ".kalda"
	defaultFileName = "kalda.json"
)

// Loader reads configuration from a JSON file with KALDA_ environment
// overrides.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty path means ~/.kalda/kalda.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName, defaultFileName), nil
}

// Load reads the config file, applies environment overrides and fills in
// derived defaults. A missing file yields the default config.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("KALDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if _, statErr := os.Stat(configPath); statErr == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Environment-only overrides for the secrets people never put in the
	// file.
	if key := v.GetString("api_key"); key != "" && cfg.API.APIKey == "" {
		cfg.API.APIKey = key
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}
	if cfg.GoalsFile == "" {
		cfg.GoalsFile = filepath.Join(cfg.DataDir, "goals.json")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "kalda.log")
	}
	return cfg, nil
}

// Save writes the configuration back to the config file.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
