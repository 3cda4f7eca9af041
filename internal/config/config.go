package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DEFAULT_SUPPORT_URL = "https://github.com/race-sync/race-sync"
const QR_IMAGE_SIZE = 512

// SyncConfig holds the coordinator limits.
type SyncConfig struct {
	MaxEntriesPerRace int           `mapstructure:"max_entries_per_race"`
	MaxFaultsPerRace  int           `mapstructure:"max_faults_per_race"`
	RaceTTL           time.Duration `mapstructure:"race_ttl"`
	// Devices not heard from within PresenceTimeout are not counted.
	PresenceTimeout time.Duration `mapstructure:"presence_timeout"`
	// Photos larger than this are dropped from the stored entry.
	MaxPhotoBytes int `mapstructure:"max_photo_bytes"`
}

// ClientConfig configures the device-side sync client.
type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Profile        string        `mapstructure:"profile"` // Path to the device profile YAML
}

type Config struct {
	// Secret key for signing tokens. Must be set in production.
	Secret string `mapstructure:"secret"`
	// TTL for management tokens in seconds
	TokenTTL uint `mapstructure:"token_ttl"`
	// Janitor interval for the nonce store in seconds.
	TokenExpirySkew uint   `mapstructure:"token_expiry_skew"`
	NonceStore      string `mapstructure:"nonce_store"`
	LogLevel        string `mapstructure:"log_level"`

	Listen string `mapstructure:"listen"`

	// Comma separated list of allowed CIDR networks. Empty means allow all.
	AllowedNetworks string `mapstructure:"allowed_networks"`
	// Comma separated list of CORS origins. "*" allows any.
	AllowedOrigins string `mapstructure:"allowed_origins"`

	BaseURL    string `mapstructure:"base_url"` // Public URL of the coordinator, used in join links
	SupportURL string `mapstructure:"support_url"`

	Sync    SyncConfig   `mapstructure:"sync"`
	Client  ClientConfig `mapstructure:"client"`
	Storage Storage      `mapstructure:"storage"`
}

var Cfg *Config

// Check if running in Docker container by checking for the presence of /.dockerenv file
func runningInDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

func getConfigPath() string {
	if runningInDocker() {
		return "/app/instance"
	}
	return "./instance"
}

// LoadConfig reads configuration from config.yaml and environment variables.
// A .env file, if present, is loaded into the environment first.
func LoadConfig(configFile ...string) (*Config, error) {
	var cfg Config

	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(getConfigPath())
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, path := range configFile {
		if path != "" {
			v.SetConfigFile(path)
		}
	}

	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
		slog.Debug("No config file found, using defaults and environment")
	}

	// Load configuration from environment variables
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Convert relative sqlite path to absolute instance folder
	if cfg.Storage.SQLite != nil && cfg.Storage.SQLite.Path != "" {
		if cfg.Storage.SQLite.Path == ":memory:" {
			// In-memory database, do nothing
		} else if !os.IsPathSeparator(cfg.Storage.SQLite.Path[0]) {
			cfg.Storage.SQLite.Path = fmt.Sprintf("%s/%s", getConfigPath(), cfg.Storage.SQLite.Path)
		}
	}

	// Warn if secret is missing - this is a critical security setting for production
	if cfg.Secret == "" {
		if os.Getenv("GIN_MODE") == "release" {
			panic("SECRET configuration variable is required in production")
		} else {
			slog.Warn("Secret is not set. Do not use in production.")
		}
	}

	Cfg = &cfg
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.MaxEntriesPerRace <= 0 {
		return fmt.Errorf("sync.max_entries_per_race must be positive, got %d", c.Sync.MaxEntriesPerRace)
	}
	if c.Sync.MaxFaultsPerRace <= 0 {
		return fmt.Errorf("sync.max_faults_per_race must be positive, got %d", c.Sync.MaxFaultsPerRace)
	}
	if c.Sync.RaceTTL <= 0 {
		return fmt.Errorf("sync.race_ttl must be positive")
	}
	if c.Sync.PresenceTimeout <= 0 {
		return fmt.Errorf("sync.presence_timeout must be positive")
	}
	if c.TokenTTL == 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	if c.Client.PollInterval <= 0 {
		slog.Warn("client.poll_interval must be positive, using default", "value", c.Client.PollInterval)
		c.Client.PollInterval = defaults["client.poll_interval"].(time.Duration)
	}
	return nil
}

// SplitList splits a comma separated setting, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item := strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
