package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int           `yaml:"port"`
	MasterSecret string        `yaml:"master_secret"`
	GinMode      string        `yaml:"gin_mode"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	TokenExpiry  time.Duration `yaml:"-"`

	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`
	PanelURL     string `yaml:"panel_url"`

	// MaxCIDRAddresses caps how many addresses a single allocation
	// request may expand to.
	MaxCIDRAddresses int `yaml:"max_cidr_addresses"`

	NodeRequestTimeout time.Duration `yaml:"-"`
	NodeTokenTTL       time.Duration `yaml:"-"`

	ResetRequestsPerMinute int `yaml:"reset_requests_per_minute"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func defaults() Config {
	return Config{
		Port:                   3000,
		GinMode:                "release",
		TokenExpiry:            7 * 24 * time.Hour,
		DatabasePath:           "panel.db",
		LogLevel:               "info",
		PanelURL:               "http://localhost:3000",
		MaxCIDRAddresses:       256,
		NodeRequestTimeout:     30 * time.Second,
		NodeTokenTTL:           time.Minute,
		ResetRequestsPerMinute: 5,
	}
}

// LoadConfigFromEnv builds a Config from defaults, then the YAML file named
// by PANEL_CONFIG (if any), then individual environment variables.
func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := defaults()

	if path := env.Getenv("PANEL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read PANEL_CONFIG: %w", err)
		}
		if err := applyYAML(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("parse PANEL_CONFIG: %w", err)
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT")
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}
	if raw := env.Getenv("DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := env.Getenv("LOG_JSON"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_JSON")
		}
		cfg.LogJSON = v
	}
	if raw := env.Getenv("PANEL_URL"); raw != "" {
		cfg.PanelURL = strings.TrimRight(raw, "/")
	}

	var err error
	if cfg.TokenExpiry, err = secondsVar(env, "TOKEN_EXPIRY_SECONDS", cfg.TokenExpiry); err != nil {
		return Config{}, err
	}
	if cfg.NodeRequestTimeout, err = secondsVar(env, "NODE_REQUEST_TIMEOUT_SECONDS", cfg.NodeRequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.NodeTokenTTL, err = secondsVar(env, "NODE_TOKEN_TTL_SECONDS", cfg.NodeTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxCIDRAddresses, err = positiveIntVar(env, "MAX_CIDR_ADDRESSES", cfg.MaxCIDRAddresses); err != nil {
		return Config{}, err
	}
	if cfg.ResetRequestsPerMinute, err = positiveIntVar(env, "RESET_REQUESTS_PER_MINUTE", cfg.ResetRequestsPerMinute); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

type fileConfig struct {
	Config                    `yaml:",inline"`
	TokenExpirySeconds        int `yaml:"token_expiry_seconds"`
	NodeRequestTimeoutSeconds int `yaml:"node_request_timeout_seconds"`
	NodeTokenTTLSeconds       int `yaml:"node_token_ttl_seconds"`
}

func applyYAML(cfg *Config, data []byte) error {
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	if fc.TokenExpirySeconds > 0 {
		fc.Config.TokenExpiry = time.Duration(fc.TokenExpirySeconds) * time.Second
	}
	if fc.NodeRequestTimeoutSeconds > 0 {
		fc.Config.NodeRequestTimeout = time.Duration(fc.NodeRequestTimeoutSeconds) * time.Second
	}
	if fc.NodeTokenTTLSeconds > 0 {
		fc.Config.NodeTokenTTL = time.Duration(fc.NodeTokenTTLSeconds) * time.Second
	}
	*cfg = fc.Config
	return nil
}

func secondsVar(env Env, key string, fallback time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

func positiveIntVar(env Env, key string, fallback int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}
