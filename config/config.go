package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the ledger configuration shared by the daemon and the offline
// audit tool.
type Config struct {
	DataDir         string         `toml:"DataDir"`
	ZeroStakePolicy string         `toml:"ZeroStakePolicy"`
	WeiPerStream    string         `toml:"WeiPerStream"`
	RewardCurrency  string         `toml:"RewardCurrency"`
	EventHistory    int            `toml:"EventHistory"`
	Assets          []GenesisAsset `toml:"Assets"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./royalty-data"
	}
	if strings.TrimSpace(cfg.ZeroStakePolicy) == "" {
		cfg.ZeroStakePolicy = "carry-forward"
	}
	if strings.TrimSpace(cfg.WeiPerStream) == "" {
		cfg.WeiPerStream = DefaultWeiPerStream
	}
	if strings.TrimSpace(cfg.RewardCurrency) == "" {
		cfg.RewardCurrency = "AVAX"
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = 2048
	}
	if cfg.Assets == nil {
		cfg.Assets = []GenesisAsset{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
