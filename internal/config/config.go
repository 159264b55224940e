package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server struct {
		Addr              string   `toml:"addr"`
		ShutdownTimeout   Duration `toml:"shutdown_timeout"`
		HeartbeatInterval Duration `toml:"heartbeat_interval"`
		StreamBuffer      int      `toml:"stream_buffer"`
		Platform          string   `toml:"platform"`
	} `toml:"server"`
	Execution struct {
		DefaultTimeout Duration          `toml:"default_timeout"`
		GracePeriod    Duration          `toml:"grace_period"`
		WorkDir        string            `toml:"workdir"`
		Runtimes       map[string]string `toml:"runtimes"`
	} `toml:"execution"`
	Agent struct {
		MaxRecoveryAttempts int    `toml:"max_recovery_attempts"`
		PlanFile            string `toml:"plan_file"`
		EventBuffer         int    `toml:"event_buffer"`
	} `toml:"agent"`
	Transport struct {
		Kind       string   `toml:"kind"`
		URL        string   `toml:"url"`
		Credential string   `toml:"credential"`
		Timeout    Duration `toml:"timeout"`
	} `toml:"transport"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	State struct {
		DBPath string `toml:"db_path"`
	} `toml:"state"`
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agentstream")
}

func GetConfigPath() string {
	return filepath.Join(configDir(), "config.toml")
}

func Default() *Config {
	var cfg Config

	cfg.Server.Addr = "127.0.0.1:8765"
	cfg.Server.ShutdownTimeout = Duration{10 * time.Second}
	cfg.Server.HeartbeatInterval = Duration{15 * time.Second}
	cfg.Server.StreamBuffer = 64
	cfg.Server.Platform = "android"
	cfg.Execution.DefaultTimeout = Duration{30 * time.Second}
	cfg.Execution.GracePeriod = Duration{2 * time.Second}
	cfg.Execution.WorkDir = "."
	cfg.Execution.Runtimes = map[string]string{}
	cfg.Agent.MaxRecoveryAttempts = 3
	cfg.Agent.EventBuffer = 64
	cfg.Transport.Kind = "sse"
	cfg.Transport.Timeout = Duration{30 * time.Second}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.State.DBPath = filepath.Join(configDir(), "state.db")
	return &cfg
}

// Load reads the config at GetConfigPath. A missing file yields defaults.
func Load() (*Config, error) {
	return LoadFile(GetConfigPath())
}

func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	durations := []struct {
		name  string
		value Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"server.heartbeat_interval", c.Server.HeartbeatInterval},
		{"execution.default_timeout", c.Execution.DefaultTimeout},
		{"execution.grace_period", c.Execution.GracePeriod},
		{"transport.timeout", c.Transport.Timeout},
	}
	for _, d := range durations {
		if d.value.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.StreamBuffer < 1 {
		errs = append(errs, errors.New("server.stream_buffer must be at least 1"))
	}
	if c.Agent.MaxRecoveryAttempts < 0 {
		errs = append(errs, errors.New("agent.max_recovery_attempts must not be negative"))
	}
	if c.Agent.EventBuffer < 0 {
		errs = append(errs, errors.New("agent.event_buffer must not be negative"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Transport.Kind)) {
	case "websocket", "sse", "http":
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of websocket, sse, http", c.Transport.Kind))
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) Save() error {
	return c.SaveFile(GetConfigPath())
}

func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}
