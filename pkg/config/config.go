package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledfu/internal/uart"
	"gopkg.in/yaml.v3"
)

// Backends accepted by Config.Backend.
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"warn"`
	Backend        string        `yaml:"backend" default:"go-ble"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	ChunkSize      int           `yaml:"chunk_size" default:"20"`
	AutoConnect    bool          `yaml:"auto_connect" default:"true"`
	OutputFormat   string        `yaml:"output_format" default:"table"`
	Profile        uart.Profile  `yaml:"profile"`
	DFU            DFUConfig     `yaml:"dfu"`
}

// DFUConfig configures firmware downloads and the external transfer tool.
type DFUConfig struct {
	CacheDir        string        `yaml:"cache_dir"`
	DownloadTimeout time.Duration `yaml:"download_timeout" default:"2m"`
	// Command is the transfer tool invocation; {package}, {address} and
	// {name} are substituted per transfer.
	Command []string `yaml:"command"`
}

// DefaultCommand is the nrfutil invocation used when none is configured.
var DefaultCommand = []string{"nrfutil", "dfu", "ble", "-pkg", "{package}", "-ic", "NRF52", "-n", "{name}"}

// DefaultConfigPath returns ~/.config/bledfu/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bledfu", "config.yaml")
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Profile = uart.DefaultProfile()
	cfg.DFU.Command = append([]string(nil), DefaultCommand...)
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.DFU.CacheDir = filepath.Join(dir, "bledfu")
	}
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path, or a
// missing file at the default location, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath() {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.DFU.CacheDir = expandTilde(cfg.DFU.CacheDir)
	cfg.Profile = cfg.Profile.Normalize()
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendGoBLE, BackendTinyGo, c.Backend)
	}

	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if c.ChunkSize < 1 || c.ChunkSize > 512 {
		return fmt.Errorf("chunk_size must be between 1 and 512, got %d", c.ChunkSize)
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}

	if err := c.Profile.Validate(); err != nil {
		return err
	}

	if c.DFU.DownloadTimeout <= 0 {
		return fmt.Errorf("dfu.download_timeout must be > 0")
	}
	if len(c.DFU.Command) == 0 || strings.TrimSpace(c.DFU.Command[0]) == "" {
		return fmt.Errorf("dfu.command must not be empty")
	}
	return nil
}

// Level returns the parsed log level, InfoLevel if it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
