package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the monitor configuration file.
type Config struct {
	Bus         string        `yaml:"bus"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Watches     []WatchConfig `yaml:"watches"`
}

// WatchConfig names one remote object to monitor. With Consume set the
// monitor reports its signals as handled.
type WatchConfig struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Consume   bool   `yaml:"consume"`
}

func defaultConfig() *Config {
	return &Config{
		Bus:       "session",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig reads the YAML file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every watch names an object and that the logging
// settings are known.
func (c *Config) Validate() error {
	if len(c.Watches) == 0 {
		return errors.New("no objects to watch")
	}
	for i, w := range c.Watches {
		if w.Name == "" {
			return fmt.Errorf("watch %d: name is required", i)
		}
		if w.Path == "" {
			return fmt.Errorf("watch %d: path is required", i)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q", c.LogFormat)
	}
	return nil
}

// newLogger builds the logger described by the config. Validate first.
func (c *Config) newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
