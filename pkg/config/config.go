package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"spoolsink/pkg/spool"
)

// Config holds the configuration of a spoolsink instance.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	Buffer BufferConfig `yaml:"buffer"`
	Log    LogConfig    `yaml:"log"`
	Spool  SpoolConfig  `yaml:"spool"`
}

type ServerConfig struct {
	TCPPort  int `yaml:"tcp_port"`
	UDPPort  int `yaml:"udp_port"`
	HTTPPort int `yaml:"http_port"` // admin: /metrics and /healthz
}

type RedisConfig struct {
	// Address of the control plane; empty disables it.
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Channel   string `yaml:"channel"`    // PubSub channel announcing updates
	ConfigKey string `yaml:"config_key"` // key holding the JSON manifest
}

type BufferConfig struct {
	Size      uint64 `yaml:"size"` // power of two
	BatchSize int64  `yaml:"batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// SpoolConfig is the static spooling output used until the control plane
// provides one.
type SpoolConfig struct {
	Path            string        `yaml:"path"`
	SpoolingDir     string        `yaml:"spooling_dir"`
	MaxSize         string        `yaml:"max_size"`
	MessageFormat   string        `yaml:"message_format"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	FileMode        FileMode      `yaml:"file_mode"`
	FilenameFailure string        `yaml:"filename_failure"`
}

// Sink converts the section into spool.Config.
func (s SpoolConfig) Sink() spool.Config {
	return spool.Config{
		Path:            s.Path,
		SpoolingDir:     s.SpoolingDir,
		MaxSize:         s.MaxSize,
		MessageFormat:   s.MessageFormat,
		IdleTimeout:     s.IdleTimeout,
		FileMode:        os.FileMode(s.FileMode),
		FilenameFailure: s.FilenameFailure,
	}
}

// FileMode is an octal permission such as "0640".
type FileMode os.FileMode

func (m *FileMode) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(node.Value, 8, 32)
	if err != nil {
		return fmt.Errorf("file_mode %q: %w", node.Value, err)
	}
	*m = FileMode(v)
	return nil
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TCPPort:  8081,
			UDPPort:  8082,
			HTTPPort: 8080,
		},
		Redis: RedisConfig{
			Channel:   "spoolsink_updates",
			ConfigKey: "spoolsink_config",
		},
		Buffer: BufferConfig{
			Size:      65536,
			BatchSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Spool: SpoolConfig{
			MaxSize:         "64MiB",
			IdleTimeout:     spool.DefaultIdleTimeout,
			FileMode:        FileMode(spool.DefaultFileMode),
			FilenameFailure: spool.DefaultFilenameFailure,
		},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SPOOLSINK_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"SPOOLSINK_REDIS_ADDR":     &c.Redis.Address,
		"SPOOLSINK_REDIS_PASSWORD": &c.Redis.Password,
		"SPOOLSINK_LOG_LEVEL":      &c.Log.Level,
		"SPOOLSINK_LOG_FORMAT":     &c.Log.Format,
		"SPOOLSINK_PATH":           &c.Spool.Path,
		"SPOOLSINK_SPOOLING_DIR":   &c.Spool.SpoolingDir,
		"SPOOLSINK_MAX_SIZE":       &c.Spool.MaxSize,
		"SPOOLSINK_MESSAGE_FORMAT": &c.Spool.MessageFormat,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SPOOLSINK_TCP_PORT":  &c.Server.TCPPort,
		"SPOOLSINK_UDP_PORT":  &c.Server.UDPPort,
		"SPOOLSINK_HTTP_PORT": &c.Server.HTTPPort,
	}
	for name, dst := range ints {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := getenv("SPOOLSINK_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SPOOLSINK_IDLE_TIMEOUT: %w", err)
		}
		c.Spool.IdleTimeout = d
	}
	return nil
}

// Validate checks the configuration. A spool section without a path is
// allowed when the control plane is enabled, since it supplies outputs.
func (c *Config) Validate() error {
	if c.Buffer.Size == 0 || c.Buffer.Size&(c.Buffer.Size-1) != 0 {
		return errors.New("buffer.size must be a power of 2")
	}
	if c.Spool.Path == "" && c.Redis.Address == "" {
		return errors.New("spool.path is required when redis is not configured")
	}
	if c.Spool.Path != "" {
		if err := c.Spool.Sink().Validate(); err != nil {
			return err
		}
	}
	return nil
}
