package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// LicensingConfig configures the licensing service and the license gate.
type LicensingConfig struct {
	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`
	ProductID string `yaml:"product_id" envconfig:"PRODUCT_ID" validate:"required"`
	// PublicKey is the vendor verification key in PEM form. PublicKeyFile is
	// read when PublicKey is empty.
	PublicKey      string        `yaml:"public_key" envconfig:"PUBLIC_KEY"`
	PublicKeyFile  string        `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
	PollInterval   time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL" validate:"min=100ms"`
	PollTimeout    time.Duration `yaml:"poll_timeout" envconfig:"POLL_TIMEOUT" validate:"min=0s"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" validate:"min=1s"`
	// TransientPolicy decides what happens when an online license cannot be
	// re-validated because the service is unreachable.
	TransientPolicy string `yaml:"transient_policy" envconfig:"TRANSIENT_POLICY" validate:"oneof=abort proceed_cached"`
}

// StoreConfig selects where the license record is kept.
type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=file sqlite"`
	// Encrypt seals the record with a key bound to this device.
	Encrypt bool `yaml:"encrypt" envconfig:"ENCRYPT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format   string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths configuration. Empty values are
// resolved under the per-user data directory.
type PathsConfig struct {
	DataDir        string `yaml:"data_dir" envconfig:"DATA_DIR"`
	DeviceTokenDir string `yaml:"device_token_dir" envconfig:"DEVICE_TOKEN_DIR"`
	InboxDir       string `yaml:"inbox_dir" envconfig:"INBOX_DIR"`
}

// ServerConfig configures the local activation surface.
type ServerConfig struct {
	Addr            string          `yaml:"addr" envconfig:"ADDR" validate:"required,hostname_port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0s"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0s"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0s"`
	AllowedOrigins  []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	// TraceExporter is "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	Metrics       bool   `yaml:"metrics" envconfig:"METRICS"`
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// File is an explicit YAML file. When empty the usual locations are
	// searched and a missing file is not an error.
	File string
	// EnvFile is a dotenv file loaded before the environment is read.
	// Variables already set in the environment are not overwritten.
	EnvFile string
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration from defaults, then the YAML file, then the
// environment. Later sources win.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	configFile := opts.File
	if configFile == "" {
		configFile = getConfigFilePath()
	}
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields without a matching variable keep their current value.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file at filePath onto cfg.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // path comes from the operator
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func (c *Config) normalize() {
	c.Licensing.TransientPolicy = strings.ReplaceAll(strings.ToLower(c.Licensing.TransientPolicy), "-", "_")
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = AppSlug
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}
	if c.Licensing.PublicKey == "" && c.Licensing.PublicKeyFile == "" {
		return errors.New("licensing: public_key or public_key_file is required")
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(LogsDirName, AppSlug+".log")
	}
	return nil
}

// PublicKeyPEM returns the configured verification key.
func (c *Config) PublicKeyPEM() ([]byte, error) {
	if c.Licensing.PublicKey != "" {
		return []byte(c.Licensing.PublicKey), nil
	}
	data, err := os.ReadFile(c.Licensing.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return data, nil
}

// configSearchPaths are tried in order when no file is given.
var configSearchPaths = []string{
	"licensegate.yaml",
	"configs/licensegate.yaml",
}

// getConfigFilePath returns the first existing default config file, or "".
func getConfigFilePath() string {
	locations := append([]string(nil), configSearchPaths...)
	locations = append(locations, filepath.Join(UserConfigDir(), "config.yaml"))
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Licensing: LicensingConfig{
			PollInterval:    DefaultPollInterval,
			RequestTimeout:  DefaultRequestTimeout,
			TransientPolicy: "abort",
		},
		Store: StoreConfig{
			Backend: StoreFile,
			Encrypt: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "console",
		},
		Server: ServerConfig{
			Addr:            DefaultServerAddr,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://" + DefaultServerAddr},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     10,
				Burst:   20,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName:   AppSlug,
			TraceExporter: "none",
			Metrics:       true,
		},
	}
}
