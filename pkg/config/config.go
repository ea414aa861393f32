// Package config provides YAML-based configuration loading for the wire
// tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName is used as the adapter name of accepted connections.
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport holds the settings shared by every transport.
	Transport TransportConfig `mapstructure:"transport"`

	// SSL configures the ssl and quic transports.
	SSL SSLConfig `mapstructure:"ssl"`

	// Bluetooth selects the RFCOMM controller.
	Bluetooth BluetoothConfig `mapstructure:"bluetooth"`

	// Listen lists endpoint strings to accept connections on.
	Listen []string `mapstructure:"listen"`

	// Dial lists endpoint strings to connect to on startup.
	Dial []string `mapstructure:"dial"`

	// Net holds dial retry options
	Net NetConfig `mapstructure:"net"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "wirenode",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/wire.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			TimeoutMS:       60000,
			RcvSize:         128 * 1024,
			SndSize:         128 * 1024,
			MessageSizeMax:  1024 * 1024,
			AcceptTimeoutMS: 1000,
			ReadWaitMS:      10,
			Backlog:         511,
		},
		SSL:       SSLConfig{VerifyPeer: 2, MinVersion: "1.2"},
		Bluetooth: BluetoothConfig{Device: "hci0"},
		Listen:    []string{"tcp -h 127.0.0.1 -p 10000"},
		Net:       NetConfig{DialBackoffInitialMS: 500, DialBackoffMaxMS: 30000, DialBackoffJitterMS: 100},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix WIRE and `.`/`-` are replaced with `_`.
// Example: WIRE_SSL_VERIFY_PEER=0
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.protocols", cfg.Transport.Protocols)
	v.SetDefault("transport.default_host", cfg.Transport.DefaultHost)
	v.SetDefault("transport.timeout_ms", cfg.Transport.TimeoutMS)
	v.SetDefault("transport.rcv_size", cfg.Transport.RcvSize)
	v.SetDefault("transport.snd_size", cfg.Transport.SndSize)
	v.SetDefault("transport.message_size_max", cfg.Transport.MessageSizeMax)
	v.SetDefault("transport.accept_timeout_ms", cfg.Transport.AcceptTimeoutMS)
	v.SetDefault("transport.read_wait_ms", cfg.Transport.ReadWaitMS)
	v.SetDefault("transport.backlog", cfg.Transport.Backlog)
	v.SetDefault("transport.trace_level", cfg.Transport.TraceLevel)
	v.SetDefault("ssl.cert_file", cfg.SSL.CertFile)
	v.SetDefault("ssl.key_file", cfg.SSL.KeyFile)
	v.SetDefault("ssl.ca_file", cfg.SSL.CAFile)
	v.SetDefault("ssl.verify_peer", cfg.SSL.VerifyPeer)
	v.SetDefault("ssl.server_name", cfg.SSL.ServerName)
	v.SetDefault("ssl.min_version", cfg.SSL.MinVersion)
	v.SetDefault("ssl.ciphers", cfg.SSL.Ciphers)
	v.SetDefault("bluetooth.device", cfg.Bluetooth.Device)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("dial", cfg.Dial)
	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("WIRE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wire")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".wire"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if err := c.Transport.validate(); err != nil {
		return err
	}
	if c.SSL.VerifyPeer < 0 || c.SSL.VerifyPeer > 2 {
		return fmt.Errorf("invalid ssl.verify_peer: %d", c.SSL.VerifyPeer)
	}
	if _, err := c.SSL.minVersion(); err != nil {
		return err
	}
	for i := range c.Listen {
		c.Listen[i] = strings.TrimSpace(c.Listen[i])
	}
	for i := range c.Dial {
		c.Dial[i] = strings.TrimSpace(c.Dial[i])
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
