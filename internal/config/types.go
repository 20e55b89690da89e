// Package config provides configuration loading for stepd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// Config is the root stepd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	NATS      NATSConfig      `koanf:"nats"`
	Store     StoreConfig     `koanf:"store"`
	Engines   EnginesConfig   `koanf:"engines"`
	QA        QAConfig        `koanf:"qa"`
	Feedback  FeedbackConfig  `koanf:"feedback"`
	Worker    WorkerConfig    `koanf:"worker"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig controls the JetStream job queue connection.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Stream        string        `koanf:"stream"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxDeliver    int           `koanf:"max_deliver"`
	AckWait       time.Duration `koanf:"ack_wait"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// EnginesConfig controls engine registration and defaults.
type EnginesConfig struct {
	Default        string        `koanf:"default"`
	ManifestPath   string        `koanf:"manifest_path"`
	WatchManifest  bool          `koanf:"watch_manifest"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
	Codex          CodexConfig   `koanf:"codex"`
	Claude         ClaudeConfig  `koanf:"claude"`
	OpenCode       APIConfig     `koanf:"opencode"`
}

// CodexConfig configures the codex CLI adapter.
type CodexConfig struct {
	Binary string `koanf:"binary"`
	Model  string `koanf:"model"`
}

// ClaudeConfig configures the claude CLI adapter.
type ClaudeConfig struct {
	Binary string `koanf:"binary"`
	Model  string `koanf:"model"`
}

// APIConfig configures an OpenAI-compatible HTTP engine.
type APIConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	APIKeyEnv   string        `koanf:"api_key_env"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit"`
}

// QAConfig controls quality gate execution.
type QAConfig struct {
	Policy             string            `koanf:"policy"`
	GateTimeout        time.Duration     `koanf:"gate_timeout"`
	PromptTemplatePath string            `koanf:"prompt_template_path"`
	ConstitutionPath   string            `koanf:"constitution_path"`
	CoverageMin        float64           `koanf:"coverage_min"`
	Commands           map[string]string `koanf:"commands"`
	RequiredFiles      []string          `koanf:"required_files"`
	RequiredPatterns   []string          `koanf:"required_patterns"`
}

// FeedbackConfig tunes the feedback router. MaxAttempts overrides the
// per-category retry budget (keys: syntax, lint, format, typecheck,
// test, security, logic, other).
type FeedbackConfig struct {
	MaxAttempts map[string]int `koanf:"max_attempts"`
}

// TelemetryConfig controls the OpenTelemetry metrics pipeline.
type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
}

// WorkerConfig controls the step worker pool.
type WorkerConfig struct {
	Concurrency int           `koanf:"concurrency"`
	StepTimeout time.Duration `koanf:"step_timeout"`
}

// ArtifactsConfig controls the artifact writer.
type ArtifactsConfig struct {
	Root string `koanf:"root"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store driver must be 'sqlite' or 'memory', got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store path is required for sqlite driver")
	}
	switch c.QA.Policy {
	case "standard", "strict", "skip":
	default:
		return fmt.Errorf("qa policy must be 'standard', 'strict' or 'skip', got %q", c.QA.Policy)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.NATS.MaxDeliver < 1 {
		return fmt.Errorf("nats max_deliver must be >= 1, got %d", c.NATS.MaxDeliver)
	}
	for category, attempts := range c.Feedback.MaxAttempts {
		if attempts < 1 {
			return fmt.Errorf("feedback max_attempts for %q must be >= 1, got %d", category, attempts)
		}
	}
	return nil
}
