// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads and validates the settings of a flock server.
//
// Settings are layered, from lowest to highest precedence:
//
//  1. Built-in defaults
//  2. A configuration file (YAML or TOML, chosen by extension)
//  3. Environment variables named FLOCK_<SECTION>_<KEY>, for example
//     FLOCK_SERVER_WORKERS=4 or FLOCK_REGISTRY_SERVERS=zk1:2181,zk2:2181
//  4. Command-line flags, applied by the caller after [Load]
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables read by [Load].
const EnvPrefix = "FLOCK"

// Config is the complete configuration of a server.
type Config struct {
	Logging  Logging  `mapstructure:"logging" yaml:"logging" toml:"logging"`
	Server   Server   `mapstructure:"server" yaml:"server" toml:"server"`
	Registry Registry `mapstructure:"registry" yaml:"registry" toml:"registry"`
}

// Logging controls log output.
type Logging struct {
	// Minimum level: debug, info, warn, or error.
	Level string `mapstructure:"level" yaml:"level" toml:"level" validate:"required,oneof=debug info warn error"`

	// Output format: text (human-readable console) or json.
	Format string `mapstructure:"format" yaml:"format" toml:"format" validate:"required,oneof=text json"`
}

// Server controls the listener, the worker pool and each connection.
type Server struct {
	// Number of worker processes started beside the coordinator.
	Workers int `mapstructure:"workers" yaml:"workers" toml:"workers" validate:"gte=0,lte=1024"`

	// How processes share the listening socket: inherit or reuseport.
	ShareMode string `mapstructure:"share_mode" yaml:"share_mode" toml:"share_mode" validate:"required,oneof=inherit reuseport"`

	// Largest request frame body accepted, in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size" yaml:"max_frame_size" toml:"max_frame_size" validate:"gt=0"`

	// If positive, the most requests per second dispatched on one connection,
	// with bursts of up to Burst.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" toml:"rate_limit" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" yaml:"burst" toml:"burst" validate:"gte=0"`

	// How long the coordinator waits for workers to exit before killing them.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
}

// Registry controls service registration in ZooKeeper.
type Registry struct {
	// Whether the coordinator registers its address.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`

	// The host:port addresses of the ZooKeeper ensemble.
	Servers []string `mapstructure:"servers" yaml:"servers" toml:"servers" validate:"required_if=Enabled true,dive,hostname_port"`

	// The path under which addresses are advertised.
	Root string `mapstructure:"root" yaml:"root" toml:"root" validate:"required,startswith=/"`

	// Session timeout negotiated with the ensemble.
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout" toml:"session_timeout" validate:"gt=0"`

	// How long to wait for a session at startup.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout" validate:"gt=0"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", Format: "text"},
		Server: Server{
			Workers:         10,
			ShareMode:       "inherit",
			MaxFrameSize:    16 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Registry: Registry{
			Enabled:        true,
			Servers:        []string{"127.0.0.1:2181"},
			Root:           "/flock",
			SessionTimeout: 10 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// setDefaults registers every key of the default configuration with v.
// Viper only consults the environment for keys it already knows.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.workers", d.Server.Workers)
	v.SetDefault("server.share_mode", d.Server.ShareMode)
	v.SetDefault("server.max_frame_size", d.Server.MaxFrameSize)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.burst", d.Server.Burst)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("registry.enabled", d.Registry.Enabled)
	v.SetDefault("registry.servers", d.Registry.Servers)
	v.SetDefault("registry.root", d.Registry.Root)
	v.SetDefault("registry.session_timeout", d.Registry.SessionTimeout)
	v.SetDefault("registry.connect_timeout", d.Registry.ConnectTimeout)
}

// Load reads the configuration from the file at path, if path != "", and
// from the environment, over the defaults. The result is validated.
// A path that names a missing file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Server.ShareMode = strings.ToLower(strings.TrimSpace(c.Server.ShareMode))
	var servers []string
	for _, s := range c.Registry.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	c.Registry.Servers = servers
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports an error if c is not a valid configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Encode writes c to w in the given format, "yaml" or "toml".
func (c *Config) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(c)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
}

// NewLogger returns a logger writing to w at the level and in the format of
// l. If w == nil, logs go to os.Stderr.
func (l Logging) NewLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if l.Format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
