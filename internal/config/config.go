// Package config loads and validates the apx_server JSON configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (APX_*)
//  2. Configuration file (JSON, passed on the command line)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/apxrmf/apxd/internal/bytesize"
)

// Config is the apx_server configuration tree. Key names follow the JSON
// config file's kebab-case convention.
type Config struct {
	// Server holds core server settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Extension configures the selectable server extensions
	Extension ExtensionConfig `mapstructure:"extension" yaml:"extension"`

	// Logging controls the operational log output of the server process
	// itself (distinct from the textlog extension's protocol log sink)
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds core server settings.
type ServerConfig struct {
	// ShutdownTimer stops the server after this many seconds; 0 runs until
	// a termination signal arrives
	ShutdownTimer int `mapstructure:"shutdown-timer" validate:"gte=0" yaml:"shutdown-timer"`

	// MaxFragment caps the payload size of one outbound data frame.
	// Supports human-readable sizes: "4Ki", "64KB", or a plain byte count.
	MaxFragment bytesize.ByteSize `mapstructure:"max-fragment" yaml:"max-fragment"`
}

// ExtensionConfig configures the selectable server extensions.
type ExtensionConfig struct {
	SocketServer SocketServerConfig `mapstructure:"socket-server" yaml:"socket-server"`
	TextLog      TextLogConfig      `mapstructure:"textlog" yaml:"textlog"`
	Monitor      MonitorConfig      `mapstructure:"monitor" yaml:"monitor"`
}

// SocketServerConfig configures the TCP and UNIX-domain listeners.
type SocketServerConfig struct {
	// TCPPort is the TCP listen port; 0 disables the TCP listener
	TCPPort int `mapstructure:"tcp-port" validate:"gte=0,lte=65535" yaml:"tcp-port"`

	// UnixFile is the UNIX-domain socket path; empty disables the listener
	UnixFile string `mapstructure:"unix-file" yaml:"unix-file,omitempty"`

	// TCPTag and UnixTag label the two listeners in log output
	TCPTag  string `mapstructure:"tcp-tag" yaml:"tcp-tag,omitempty"`
	UnixTag string `mapstructure:"unix-tag" yaml:"unix-tag,omitempty"`
}

// TextLogConfig configures the textlog extension: a streaming log sink that
// appends one line per server event to a file on disk.
type TextLogConfig struct {
	ExtensionEnabled bool `mapstructure:"extension-enabled" yaml:"extension-enabled"`

	// FileEnabled controls whether events are written to FilePath
	FileEnabled bool   `mapstructure:"file-enabled" yaml:"file-enabled"`
	FilePath    string `mapstructure:"file-path" yaml:"file-path,omitempty"`

	// RotateSize rotates the log file once it grows past this size.
	// Supports human-readable sizes: "10Mi", "1GB".
	RotateSize bytesize.ByteSize `mapstructure:"rotate-size" yaml:"rotate-size,omitempty"`
}

// MonitorConfig configures the HTTP monitoring extension.
type MonitorConfig struct {
	ExtensionEnabled bool `mapstructure:"extension-enabled" yaml:"extension-enabled"`

	// HTTPAddr is the listen address of the monitoring HTTP server
	HTTPAddr string `mapstructure:"http-addr" yaml:"http-addr,omitempty"`
}

// LoggingConfig controls the server's own structured log output.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the output format: text or json
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment variable overrides and the config file.
// Environment variables use the APX_ prefix with underscores, e.g.
// APX_EXTENSION_SOCKET_SERVER_TCP_PORT=5000.
func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("APX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("json")
}

// ApplyDefaults fills in defaults for any unset fields. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.MaxFragment == 0 {
		cfg.Server.MaxFragment = 4 * bytesize.KiB
	}
	if cfg.Extension.SocketServer.TCPTag == "" {
		cfg.Extension.SocketServer.TCPTag = "tcp"
	}
	if cfg.Extension.SocketServer.UnixTag == "" {
		cfg.Extension.SocketServer.UnixTag = "unix"
	}
	if cfg.Extension.TextLog.FilePath == "" {
		cfg.Extension.TextLog.FilePath = "apx_server.log"
	}
	if cfg.Extension.TextLog.RotateSize == 0 {
		cfg.Extension.TextLog.RotateSize = 10 * bytesize.MiB
	}
	if cfg.Extension.Monitor.HTTPAddr == "" {
		cfg.Extension.Monitor.HTTPAddr = ":9190"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// Validate checks struct-tag constraints plus the cross-field rules the
// tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Extension.SocketServer.TCPPort == 0 && cfg.Extension.SocketServer.UnixFile == "" {
		return fmt.Errorf("socket-server needs a tcp-port or a unix-file")
	}
	if cfg.Extension.TextLog.ExtensionEnabled && cfg.Extension.TextLog.FileEnabled && cfg.Extension.TextLog.FilePath == "" {
		return fmt.Errorf("textlog file-enabled requires file-path")
	}
	return nil
}

// Dump renders the effective configuration as YAML, for the --dump-config
// CLI flag.
func Dump(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// Save writes the effective configuration to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := Dump(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// configDecodeHooks returns the combined decode hook for custom config
// types: human-readable byte sizes and durations.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can use sizes like "4Ki", "10Mi" or plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// JSON numbers decode as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration for any duration-
// typed config fields ("30s", "5m").
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
