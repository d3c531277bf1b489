package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// UARTProfile describes the GATT identifiers of a Nordic-style UART service.
type UARTProfile struct {
	Service string `yaml:"service" default:"6e400001b5a3f393e0a9e50e24dcca9e"`
	RX      string `yaml:"rx" default:"6e400002b5a3f393e0a9e50e24dcca9e"`
	TX      string `yaml:"tx" default:"6e400003b5a3f393e0a9e50e24dcca9e"`
}

// HubProfile describes the GATT identifiers of a LEGO LWP3 hub.
type HubProfile struct {
	Service string `yaml:"service" default:"1623"`
	Char    string `yaml:"char" default:"1624"`
}

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanDuration   time.Duration `yaml:"scan_duration" default:"15s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	TargetMTU      int           `yaml:"target_mtu" default:"247"`
	UART           UARTProfile   `yaml:"uart"`
	Hub            HubProfile    `yaml:"hub"`
}

// DefaultConfig returns a configuration populated from struct defaults.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML config file layered over the defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return c, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
