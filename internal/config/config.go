package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/consolr/internal/env"
	"github.com/loykin/consolr/internal/logger"
	"github.com/loykin/consolr/internal/process"
	"github.com/loykin/consolr/internal/registry"
	"github.com/loykin/consolr/internal/supervisor"
)

const EnvPrefix = "CONSOLR"

// Config represents the top-level TOML structure of consolr.toml.
type Config struct {
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	UseOSEnv   bool             `mapstructure:"use_os_env"`
	Server     ServerConfig     `mapstructure:"server"`
	Console    ConsoleConfig    `mapstructure:"console"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        logger.Config    `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
	Store      StoreConfig      `mapstructure:"store"`
	Servers    []ServerEntry    `mapstructure:"servers"`

	// directory of the loaded file; relative paths resolve against it
	dir string
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type ConsoleConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type SupervisorConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	KillWait     time.Duration `mapstructure:"kill_wait"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	StopCommand  string        `mapstructure:"stop_command"`
	Executable   string        `mapstructure:"executable"`
}

type MetricsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Listen           string        `mapstructure:"listen"` // empty serves /metrics on the API listener
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

// HistoryConfig lists lifecycle event sinks by DSN.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// StoreConfig selects where registrations are persisted. Empty keeps them in memory only.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerEntry is a server registered at daemon start.
type ServerEntry struct {
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Path        string   `mapstructure:"path"`
	Executable  string   `mapstructure:"executable"`
	Args        []string `mapstructure:"args"`
	Env         []string `mapstructure:"env"`
	StopCommand *string  `mapstructure:"stop_command"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("console.capacity", 2000)
	v.SetDefault("supervisor.grace_period", supervisor.DefaultGracePeriod)
	v.SetDefault("supervisor.kill_wait", supervisor.DefaultKillWait)
	v.SetDefault("supervisor.drain_timeout", process.DefaultDrainTimeout)
	v.SetDefault("supervisor.stop_command", "exit")
	v.SetDefault("supervisor.executable", process.DefaultExecutable())
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("metrics.resource_interval", 5*time.Second)
}

// Load reads path (may be empty for defaults only) and applies CONSOLR_*
// environment overrides, e.g. CONSOLR_SERVER_LISTEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var dir string
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			dir = filepath.Dir(abs)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.dir = dir
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Console.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("console.capacity must be positive, got %d", c.Console.Capacity))
	}
	if c.Supervisor.GracePeriod < 0 || c.Supervisor.KillWait < 0 || c.Supervisor.DrainTimeout < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.ResourceInterval < 0 {
		errs = append(errs, errors.New("metrics.resource_interval must not be negative"))
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if strings.TrimSpace(s.Path) == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: path is required", i))
			continue
		}
		id := s.ID
		if id == "" {
			id = registry.IdentityFor(c.resolve(s.Path))
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %s", i, id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}

// SupervisorOptions maps the config onto the options every supervisor starts from.
func (c *Config) SupervisorOptions() supervisor.Options {
	return supervisor.Options{
		GracePeriod:  c.Supervisor.GracePeriod,
		KillWait:     c.Supervisor.KillWait,
		DrainTimeout: c.Supervisor.DrainTimeout,
		StopCommand:  c.Supervisor.StopCommand,
		Capacity:     c.Console.Capacity,
	}
}

// BuildEnv loads env_files in order, then applies the env list on top.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New().WithOS(c.UseOSEnv)
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(c.resolve(f)); err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}

// Records converts [[servers]] entries into registry records.
func (c *Config) Records() []registry.Record {
	out := make([]registry.Record, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, registry.Record{
			ID:          s.ID,
			Name:        s.Name,
			WorkDir:     c.resolve(s.Path),
			Executable:  s.Executable,
			Args:        s.Args,
			Env:         s.Env,
			StopCommand: s.StopCommand,
		})
	}
	return out
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}
