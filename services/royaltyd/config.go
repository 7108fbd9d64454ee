package royaltyd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for royaltyd.
type Config struct {
	ListenAddress   string                     `yaml:"listen"`
	LedgerConfig    string                     `yaml:"ledger_config"`
	HistoryDSN      string                     `yaml:"history_dsn"`
	IdempotencyPath string                     `yaml:"idempotency_path"`
	IdempotencyTTL  Duration                   `yaml:"idempotency_ttl"`
	LogFile         string                     `yaml:"log_file"`
	AllowedOrigins  []string                   `yaml:"allowed_origins"`
	Auth            AuthConfig                 `yaml:"auth"`
	RateLimits      map[string]RateLimitConfig `yaml:"rate_limits"`
	Telemetry       TelemetryConfig            `yaml:"telemetry"`
}

// AuthConfig configures bearer-token authentication. Tokens carry the
// holder address as subject; admin routes require AdminScope.
type AuthConfig struct {
	Enabled        bool   `yaml:"enabled"`
	HMACSecret     string `yaml:"hmac_secret"`
	HMACSecretFile string `yaml:"hmac_secret_file"`
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	AdminScope     string `yaml:"admin_scope"`
}

// RateLimitConfig bounds one route group ("public", "holder", "admin").
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"rpm"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.LedgerConfig == "" {
		cfg.LedgerConfig = "royalty.toml"
	}
	if cfg.HistoryDSN == "" {
		cfg.HistoryDSN = "sqlite://royalty-history.db"
	}
	if cfg.IdempotencyPath == "" {
		cfg.IdempotencyPath = "royaltyd-idempotency.db"
	}
	if cfg.IdempotencyTTL.Duration == 0 {
		cfg.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "royalty:admin"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{}
	}
}

func validateConfig(cfg Config) error {
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	if cfg.IdempotencyTTL.Duration < 0 {
		return fmt.Errorf("idempotency_ttl must not be negative")
	}
	for group, limit := range cfg.RateLimits {
		switch group {
		case routeGroupPublic, routeGroupHolder, routeGroupAdmin:
		default:
			return fmt.Errorf("rate_limits: unknown route group %q", group)
		}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits.%s.rpm must be positive", group)
		}
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret := strings.TrimSpace(a.HMACSecret)
	if path := strings.TrimSpace(a.HMACSecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.HMACSecret = secret
	return nil
}
