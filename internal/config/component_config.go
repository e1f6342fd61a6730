package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nkkko/skypush/internal/api"
	"github.com/nkkko/skypush/internal/firehose"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/notifier"
	"github.com/nkkko/skypush/internal/push"
	"github.com/nkkko/skypush/internal/registry"
	"github.com/nkkko/skypush/internal/storage/badger"
	"github.com/nkkko/skypush/internal/storage/filestore"
	"github.com/nkkko/skypush/internal/telemetry"
)

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RegistryAddr returns the host:port the registry listens on
func (c *Config) RegistryAddr() string {
	return net.JoinHostPort(c.Registry.Host, strconv.Itoa(c.Registry.Port))
}

// ToAPIConfig converts to the registry service config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:            c.RegistryAddr(),
		AdminToken:      c.Registry.AdminToken,
		ClientToken:     c.Registry.ClientToken,
		AllowedOrigins:  c.Registry.AllowedOrigins,
		ReadTimeout:     seconds(c.Registry.ReadTimeout),
		WriteTimeout:    seconds(c.Registry.WriteTimeout),
		IdleTimeout:     seconds(c.Registry.IdleTimeout),
		ShutdownTimeout: seconds(c.Registry.ShutdownTimeout),
		MaxBodyBytes:    int64(c.Registry.MaxBodySize),
		ServiceName:     c.Telemetry.ServiceName + "-registry",
	}
}

// ToFileStoreConfig converts to the subscription store config
func (c *Config) ToFileStoreConfig() filestore.Config {
	return filestore.Config{
		Path:     c.Registry.StorePath,
		FileMode: filestore.DefaultConfig().FileMode,
	}
}

// ToCursorStoreConfig converts to the firehose cursor store config
func (c *Config) ToCursorStoreConfig() badger.Config {
	cfg := badger.DefaultConfig()
	cfg.DataDir = filepath.Join(c.Notifier.DataDir, "cursor")
	return cfg
}

// ToPollerConfig converts to the registry poller config
func (c *Config) ToPollerConfig() registry.Config {
	return registry.Config{
		PollInterval:   milliseconds(c.Notifier.PollIntervalMs),
		RequestTimeout: seconds(c.Notifier.RequestTimeout),
	}
}

// ToFirehoseConfig converts to the firehose consumer config
func (c *Config) ToFirehoseConfig() firehose.Config {
	cfg := firehose.DefaultConfig()
	cfg.URL = c.Firehose.URL
	cfg.CursorFlushInterval = milliseconds(c.Firehose.CursorFlushIntervalMs)
	cfg.ReadTimeout = seconds(c.Firehose.ReadTimeout)
	cfg.PingInterval = seconds(c.Firehose.PingInterval)
	cfg.ReconnectInitial = milliseconds(c.Firehose.ReconnectInitialMs)
	cfg.ReconnectMax = milliseconds(c.Firehose.ReconnectMaxMs)
	return cfg
}

// ToDispatcherConfig converts to the dispatcher config
func (c *Config) ToDispatcherConfig() notifier.Config {
	return notifier.Config{
		Workers:       c.Dispatch.Workers,
		QueueSize:     c.Dispatch.QueueSize,
		ShutdownGrace: seconds(c.Notifier.ShutdownGrace),
	}
}

// ToPushClientConfig converts to the push delivery client config
func (c *Config) ToPushClientConfig() push.Config {
	cfg := push.DefaultConfig()
	cfg.MaxRetries = c.Push.MaxRetries
	cfg.RetryDelay = milliseconds(c.Push.RetryDelayMs)
	cfg.MaxRetryDelay = milliseconds(c.Push.MaxRetryDelayMs)
	return cfg
}

// ToExpoConfig converts to the Expo provider config
func (c *Config) ToExpoConfig() push.ExpoConfig {
	return push.ExpoConfig{
		Endpoint:    c.Push.ExpoEndpoint,
		AccessToken: c.Push.AccessToken,
		Timeout:     seconds(c.Push.Timeout),
	}
}

// ToFCMConfig converts to the FCM provider config
func (c *Config) ToFCMConfig() push.FCMConfig {
	return push.FCMConfig{CredentialsFile: c.Push.FCMCredentials}
}

// ToLoggingConfig converts to the logging config for the named process.
// Values are validated by ValidateRegistry and ValidateNotifier.
func (c *Config) ToLoggingConfig(process string) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Process = process
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = level
	}
	if format, err := logging.ParseFormat(c.Logging.Format); err == nil {
		cfg.Format = format
	}
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.IncludeTraceContext = c.Logging.IncludeTrace
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ToTelemetryConfig converts to the tracing config for the named process
func (c *Config) ToTelemetryConfig(process string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	cfg.ServiceName = c.Telemetry.ServiceName + "-" + process
	cfg.Endpoint = c.Telemetry.Endpoint
	cfg.Insecure = c.Telemetry.Insecure
	cfg.SamplingRatio = c.Telemetry.SamplingRatio
	cfg.Attributes = c.Telemetry.Attributes
	return cfg
}
