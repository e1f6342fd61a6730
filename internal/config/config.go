package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/nkkko/skypush/internal/logging"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "SKYPUSH_"

// Push providers
const (
	ProviderExpo = "expo"
	ProviderFCM  = "fcm"
)

// ErrInvalidConfig is wrapped by every validation and parse failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete configuration of both processes
type Config struct {
	Registry  RegistryConfig  `yaml:"registry"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Push      PushConfig      `yaml:"push"`
	Firehose  FirehoseConfig  `yaml:"firehose"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RegistryConfig contains registry service settings
type RegistryConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	StorePath       string   `yaml:"store_path"`
	AdminToken      string   `yaml:"admin_token"`
	ClientToken     string   `yaml:"client_token"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxBodySize     int      `yaml:"max_body_size"`
	ReadTimeout     int      `yaml:"read_timeout"`
	WriteTimeout    int      `yaml:"write_timeout"`
	IdleTimeout     int      `yaml:"idle_timeout"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"`
}

// NotifierConfig contains notifier process settings
type NotifierConfig struct {
	RegistryURL      string `yaml:"registry_url"`
	RegistryToken    string `yaml:"registry_token"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
	RequestTimeout   int    `yaml:"request_timeout"`
	DataDir          string `yaml:"data_dir"`
	ShutdownGrace    int    `yaml:"shutdown_grace"`
	InvalidCacheSize int    `yaml:"invalid_cache_size"`
	InvalidCacheTTL  int    `yaml:"invalid_cache_ttl"`
}

// PushConfig contains push provider settings
type PushConfig struct {
	Provider        string `yaml:"provider"`
	AccessToken     string `yaml:"access_token"`
	ExpoEndpoint    string `yaml:"expo_endpoint"`
	FCMCredentials  string `yaml:"fcm_credentials"`
	Timeout         int    `yaml:"timeout"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryDelayMs    int    `yaml:"retry_delay_ms"`
	MaxRetryDelayMs int    `yaml:"max_retry_delay_ms"`
}

// FirehoseConfig contains firehose consumer settings
type FirehoseConfig struct {
	URL                   string `yaml:"url"`
	CursorFlushIntervalMs int    `yaml:"cursor_flush_interval_ms"`
	ReadTimeout           int    `yaml:"read_timeout"`
	PingInterval          int    `yaml:"ping_interval"`
	ReconnectInitialMs    int    `yaml:"reconnect_initial_ms"`
	ReconnectMaxMs        int    `yaml:"reconnect_max_ms"`
}

// DispatchConfig contains dispatcher settings
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains the notifier's metrics listener settings. The
// registry serves /metrics on its own router.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults. Bearer
// tokens have no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			StorePath:       "./data/subscriptions.json",
			AllowedOrigins:  []string{"*"},
			MaxBodySize:     16384,
			ReadTimeout:     5,
			WriteTimeout:    10,
			IdleTimeout:     120,
			ShutdownTimeout: 10,
		},
		Notifier: NotifierConfig{
			RegistryURL:      "http://localhost:8080",
			PollIntervalMs:   60000,
			RequestTimeout:   10,
			DataDir:          "./data/notifier",
			ShutdownGrace:    10,
			InvalidCacheSize: 10000,
			InvalidCacheTTL:  300,
		},
		Push: PushConfig{
			Provider:        ProviderExpo,
			Timeout:         15,
			MaxRetries:      3,
			RetryDelayMs:    500,
			MaxRetryDelayMs: 10000,
		},
		Firehose: FirehoseConfig{
			URL:                   "wss://jetstream2.us-east.bsky.network/subscribe",
			CursorFlushIntervalMs: 5000,
			ReadTimeout:           60,
			PingInterval:          20,
			ReconnectInitialMs:    1000,
			ReconnectMaxMs:        60000,
		},
		Dispatch: DispatchConfig{
			Workers:   8,
			QueueSize: 10000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "skypush",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	// Read and parse configuration file
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: error parsing config file: %v", ErrInvalidConfig, err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags.
// Empty flag values leave the lower-precedence value untouched.
func LoadConfig(configFile string, storePath string, dataDir string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	// Load from file if specified
	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		// Use default config
		config = DefaultConfig()
	}

	// Override with environment variables
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	// Override with command line flags (highest priority)
	if storePath != "" {
		config.Registry.StorePath = storePath
	}

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Notifier.DataDir = absDataDir
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// envReader collects the first malformed value it sees
type envReader struct {
	err error
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) int(name string, dst *int) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%w: %s%s must be an integer, got %q", ErrInvalidConfig, EnvPrefix, name, v)
		}
		return
	}
	*dst = n
}

func (e *envReader) bool(name string, dst *bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%w: %s%s must be a boolean, got %q", ErrInvalidConfig, EnvPrefix, name, v)
		}
		return
	}
	*dst = b
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Malformed numeric or boolean values are an error.
func applyEnvOverrides(config *Config) error {
	env := &envReader{}

	// Registry service
	env.str("REGISTRY_HOST", &config.Registry.Host)
	env.int("REGISTRY_PORT", &config.Registry.Port)
	env.str("REGISTRY_STORE_PATH", &config.Registry.StorePath)
	env.str("REGISTRY_ADMIN_TOKEN", &config.Registry.AdminToken)
	env.str("REGISTRY_CLIENT_TOKEN", &config.Registry.ClientToken)

	// Push delivery
	env.str("PUSH_PROVIDER", &config.Push.Provider)
	env.str("PUSH_ACCESS_TOKEN", &config.Push.AccessToken)
	env.str("PUSH_FCM_CREDENTIALS", &config.Push.FCMCredentials)

	// Notifier
	env.str("REGISTRY_URL", &config.Notifier.RegistryURL)
	env.str("REGISTRY_TOKEN", &config.Notifier.RegistryToken)
	env.int("REGISTRY_POLL_INTERVAL_MS", &config.Notifier.PollIntervalMs)
	env.str("NOTIFIER_DATA_DIR", &config.Notifier.DataDir)
	env.str("FIREHOSE_URL", &config.Firehose.URL)
	env.int("DISPATCH_WORKERS", &config.Dispatch.Workers)
	env.int("DISPATCH_QUEUE_SIZE", &config.Dispatch.QueueSize)

	// Ambient
	env.str("LOG_LEVEL", &config.Logging.Level)
	env.str("LOG_FORMAT", &config.Logging.Format)
	env.str("METRICS_ADDR", &config.Metrics.Addr)
	env.bool("TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	env.str("TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
	env.bool("TELEMETRY_INSECURE", &config.Telemetry.Insecure)

	return env.err
}

// ValidateRegistry checks the settings the registry process needs
func (c *Config) ValidateRegistry() error {
	var errs []error

	if c.Registry.Port < 1 || c.Registry.Port > 65535 {
		errs = append(errs, fmt.Errorf("registry port must be in 1..65535, got %d", c.Registry.Port))
	}
	if strings.TrimSpace(c.Registry.StorePath) == "" {
		errs = append(errs, errors.New("registry store path is required"))
	}
	if c.Registry.AdminToken == "" {
		errs = append(errs, errors.New("registry admin token is required"))
	}
	if c.Registry.ClientToken == "" {
		errs = append(errs, errors.New("registry client token is required"))
	}
	if c.Registry.AdminToken != "" && c.Registry.AdminToken == c.Registry.ClientToken {
		errs = append(errs, errors.New("registry admin and client tokens must differ"))
	}
	errs = append(errs, c.validateLogging()...)

	return joinInvalid(errs)
}

// ValidateNotifier checks the settings the notifier process needs
func (c *Config) ValidateNotifier() error {
	var errs []error

	if err := checkURL(c.Notifier.RegistryURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("registry URL: %w", err))
	}
	if c.Notifier.RegistryToken == "" {
		errs = append(errs, errors.New("registry token is required"))
	}
	if c.Notifier.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("registry poll interval must be positive, got %d", c.Notifier.PollIntervalMs))
	}
	if strings.TrimSpace(c.Notifier.DataDir) == "" {
		errs = append(errs, errors.New("notifier data directory is required"))
	}

	switch c.Push.Provider {
	case ProviderExpo:
		if c.Push.AccessToken == "" {
			errs = append(errs, errors.New("push access token is required for the expo provider"))
		}
	case ProviderFCM:
		if c.Push.FCMCredentials == "" {
			errs = append(errs, errors.New("FCM credentials file is required for the fcm provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("push provider must be %q or %q, got %q", ProviderExpo, ProviderFCM, c.Push.Provider))
	}

	if err := checkURL(c.Firehose.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("firehose URL: %w", err))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("dispatch workers must be positive, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("dispatch queue size must be positive, got %d", c.Dispatch.QueueSize))
	}
	errs = append(errs, c.validateLogging()...)

	return joinInvalid(errs)
}

func (c *Config) validateLogging() []error {
	var errs []error
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %s", raw, strings.Join(schemes, " or "))
}

func joinInvalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
