package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Upstream  UpstreamConfig  `yaml:"upstream" envconfig:"UPSTREAM"`
	Cache     CacheConfig     `yaml:"cache" envconfig:"CACHE"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Agent     AgentConfig     `yaml:"agent" envconfig:"AGENT"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	SecurityHeaders bool            `yaml:"security_headers" envconfig:"SECURITY_HEADERS"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// UpstreamConfig describes the external licensing authority
type UpstreamConfig struct {
	URL            string        `yaml:"url" envconfig:"URL"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" envconfig:"ATTEMPT_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryDelay     time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
	ActiveMarker   string        `yaml:"active_marker" envconfig:"ACTIVE_MARKER"`
	DNSRefresh     time.Duration `yaml:"dns_refresh" envconfig:"DNS_REFRESH"`
}

// CacheConfig contains validation cache configuration
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// StoreConfig selects and configures the remote entitlement store
type StoreConfig struct {
	Driver      string        `yaml:"driver" envconfig:"DRIVER"`
	PostgresDSN string        `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Sheets      SheetsConfig  `yaml:"sheets" envconfig:"SHEETS"`
}

// SheetsConfig addresses the ranges of a Google Sheets backed store
type SheetsConfig struct {
	SpreadsheetID     string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	CredentialsFile   string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	UsersRange        string `yaml:"users_range" envconfig:"USERS_RANGE"`
	EntitlementsRange string `yaml:"entitlements_range" envconfig:"ENTITLEMENTS_RANGE"`
	StatsRange        string `yaml:"stats_range" envconfig:"STATS_RANGE"`
	AccessRange       string `yaml:"access_range" envconfig:"ACCESS_RANGE"`
}

// AgentConfig contains license agent configuration
type AgentConfig struct {
	BackendURL       string        `yaml:"backend_url" envconfig:"BACKEND_URL"`
	Email            string        `yaml:"email" envconfig:"EMAIL"`
	RequestTimeout   time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	SyncInterval     time.Duration `yaml:"sync_interval" envconfig:"SYNC_INTERVAL"`
	SuspendThreshold int           `yaml:"suspend_threshold" envconfig:"SUSPEND_THRESHOLD"`
	MirrorPath       string        `yaml:"mirror_path" envconfig:"MIRROR_PATH"`
	UIPort           int           `yaml:"ui_port" envconfig:"UI_PORT"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	EnableTracing bool   `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics bool   `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the environment. An empty path searches the usual
// locations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// godotenv never overrides variables already present in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// Fields without a matching variable keep the value from the layers above
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the keys present in a YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the sections shared by both binaries
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Upstream.AttemptTimeout <= 0 {
		return fmt.Errorf("upstream attempt timeout must be positive")
	}

	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream max retries must not be negative: %d", c.Upstream.MaxRetries)
	}

	if c.Upstream.RetryDelay < 0 {
		return fmt.Errorf("upstream retry delay must not be negative")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %q", c.Logging.Output)
	}

	switch c.Store.Driver {
	case StoreDriverNone:
	case StoreDriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("postgres store requires a dsn")
		}
	case StoreDriverSheets:
		if c.Store.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets store requires a spreadsheet id")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Upstream.ActiveMarker = strings.TrimSpace(c.Upstream.ActiveMarker)
	if c.Upstream.ActiveMarker == "" {
		c.Upstream.ActiveMarker = DefaultActiveMarker
	}

	return nil
}

// ValidateServer checks the settings only the license server needs
func (c *Config) ValidateServer() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream url is required")
	}
	if err := validateURL(c.Upstream.URL); err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	return nil
}

// ValidateAgent checks the settings only the license agent needs
func (c *Config) ValidateAgent() error {
	if c.Agent.BackendURL == "" {
		return fmt.Errorf("agent backend url is required")
	}
	if err := validateURL(c.Agent.BackendURL); err != nil {
		return fmt.Errorf("invalid agent backend url: %w", err)
	}
	if c.Agent.SyncInterval <= 0 {
		return fmt.Errorf("agent sync interval must be positive")
	}
	if c.Agent.RequestTimeout <= 0 {
		return fmt.Errorf("agent request timeout must be positive")
	}
	if c.Agent.SuspendThreshold <= 0 {
		return fmt.Errorf("agent suspend threshold must be positive")
	}
	if c.Agent.UIPort < 0 || c.Agent.UIPort > 65535 {
		return fmt.Errorf("invalid agent ui port: %d", c.Agent.UIPort)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  75 * time.Second,
		},
		Security: SecurityConfig{
			SecurityHeaders: true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/chaingate.log",
		},
		Upstream: UpstreamConfig{
			AttemptTimeout: DefaultAttemptTimeout,
			MaxRetries:     DefaultMaxRetries,
			RetryDelay:     DefaultRetryDelay,
			ActiveMarker:   DefaultActiveMarker,
			DNSRefresh:     DefaultDNSRefresh,
		},
		Cache: CacheConfig{
			TTL: LicenseCacheDuration,
		},
		Store: StoreConfig{
			Driver:  StoreDriverNone,
			Timeout: 10 * time.Second,
			Sheets: SheetsConfig{
				UsersRange:        "Users!A2:B",
				EntitlementsRange: "Entitlements!A2:E",
				StatsRange:        "Stats!A2:D",
				AccessRange:       "Access!A2:C",
			},
		},
		Agent: AgentConfig{
			BackendURL:       "http://localhost:8090",
			RequestTimeout:   90 * time.Second,
			SyncInterval:     DefaultSyncInterval,
			SuspendThreshold: DefaultSuspendThreshold,
			MirrorPath:       "data/chaingate-agent.db",
			UIPort:           8091,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "chaingate",
			EnableTracing: false,
			EnableMetrics: true,
		},
	}
}
