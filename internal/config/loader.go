package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "STEPD_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (STEPD_SERVER_PORT, STEPD_NATS_URL, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty configPath skips file loading entirely. Environment variables
// drop the STEPD_ prefix and split on the first underscore:
//
//	STEPD_SERVER_PORT        -> server.port
//	STEPD_ENGINES_DEFAULT    -> engines.default
//	STEPD_WORKER_CONCURRENCY -> worker.concurrency
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			// Open once and validate via the descriptor to avoid a
			// TOCTOU race between stat and read.
			f, err := os.Open(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("failed to stat config file: %w", err)
			}
			if err := validateConfigFileProperties(info); err != nil {
				return nil, fmt.Errorf("config file validation failed: %w", err)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// STEPD_SERVER_SHUTDOWN_TIMEOUT -> server.shutdown_timeout
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	// Skip the permission check on Windows (different permission model).
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8484
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging = *logging.NewDefaultConfig()
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = "STEPD_JOBS"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "stepd.jobs"
	}
	if cfg.NATS.MaxDeliver == 0 {
		cfg.NATS.MaxDeliver = 3
	}
	if cfg.NATS.AckWait == 0 {
		cfg.NATS.AckWait = 15 * time.Minute
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "stepd.db"
	}

	if cfg.Engines.CommandTimeout == 0 {
		cfg.Engines.CommandTimeout = 30 * time.Minute
	}
	if cfg.Engines.Codex.Binary == "" {
		cfg.Engines.Codex.Binary = "codex"
	}
	if cfg.Engines.Claude.Binary == "" {
		cfg.Engines.Claude.Binary = "claude"
	}
	if cfg.Engines.OpenCode.APIKeyEnv == "" {
		cfg.Engines.OpenCode.APIKeyEnv = "OPENCODE_API_KEY"
	}
	if cfg.Engines.OpenCode.Temperature == 0 {
		cfg.Engines.OpenCode.Temperature = 0.2
	}
	if cfg.Engines.OpenCode.Timeout == 0 {
		cfg.Engines.OpenCode.Timeout = 10 * time.Minute
	}

	if cfg.QA.Policy == "" {
		cfg.QA.Policy = "standard"
	}
	if cfg.QA.GateTimeout == 0 {
		cfg.QA.GateTimeout = 5 * time.Minute
	}
	if cfg.QA.CoverageMin == 0 {
		cfg.QA.CoverageMin = 0.6
	}

	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.StepTimeout == 0 {
		cfg.Worker.StepTimeout = 45 * time.Minute
	}

	if cfg.Artifacts.Root == "" {
		cfg.Artifacts.Root = "artifacts"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "stepd"
	}
}
