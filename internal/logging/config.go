package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level      string            `koanf:"level"`
	Format     string            `koanf:"format"`
	Caller     bool              `koanf:"caller"`
	Stacktrace string            `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "json",
		Caller:     true,
		Stacktrace: "error",
		Fields: map[string]string{
			"service": "stepd",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Stacktrace != "" {
		if _, err := ParseLevel(c.Stacktrace); err != nil {
			return fmt.Errorf("stacktrace level: %w", err)
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}

// ParseLevel converts a level name to a zapcore.Level.
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}
