package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full statad runtime configuration.
type Config struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// EnginePath points at the Stata installation used by the in-process
	// binding. Empty means auto-detect at startup.
	EnginePath string `mapstructure:"engine_path" yaml:"engine_path"`
	// Edition selects the engine flavor (mp, se, be).
	Edition string `mapstructure:"edition" yaml:"edition"`

	// LogDir is where execution log files are written. Defaults to a
	// per-user directory; the working directory of a script is independent.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// DefaultTimeout bounds a single execution when the caller does not
	// supply one.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	// PollInterval is the cadence of the escalator and tail loops.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// BreakGrace is how long each interruption tier gets to stop the worker
	// before the next tier is tried.
	BreakGrace time.Duration `mapstructure:"break_grace" yaml:"break_grace"`
	// ResultGrace is the extra time a stream waits for the worker result
	// past the execution timeout.
	ResultGrace time.Duration `mapstructure:"result_grace" yaml:"result_grace"`

	// MultiSession enables the isolated session pool instead of the single
	// shared engine.
	MultiSession bool `mapstructure:"multi_session" yaml:"multi_session"`
	// MaxSessions caps concurrently live sessions in pool mode.
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`
	// SessionIdleTTL evicts pool sessions idle for longer than this.
	SessionIdleTTL time.Duration `mapstructure:"session_idle_ttl" yaml:"session_idle_ttl"`

	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:           "localhost",
		Port:           4000,
		Edition:        "mp",
		DefaultTimeout: 10 * time.Minute,
		PollInterval:   500 * time.Millisecond,
		BreakGrace:     time.Second,
		ResultGrace:    5 * time.Second,
		MaxSessions:    4,
		SessionIdleTTL: 30 * time.Minute,
	}
}

// Load reads statad-config.{yaml,json} from the home directory or the current
// directory, applies STATAD_* environment overrides, and fills defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("statad-config")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetEnvPrefix("STATAD")
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults + env apply.
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("edition", cfg.Edition)
	v.SetDefault("default_timeout", cfg.DefaultTimeout)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("break_grace", cfg.BreakGrace)
	v.SetDefault("result_grace", cfg.ResultGrace)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("session_idle_ttl", cfg.SessionIdleTTL)
	// Keys without interesting defaults still need registering so that
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("engine_path", cfg.EnginePath)
	v.SetDefault("log_dir", cfg.LogDir)
	v.SetDefault("multi_session", cfg.MultiSession)
	v.SetDefault("debug", cfg.Debug)
}

// Validate checks invariants and resolves the log directory.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.LogDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve log dir: %w", err)
		}
		c.LogDir = filepath.Join(home, ".statad", "logs")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
