// Package engine defines the adapter contract for AI coding backends and
// the registry that tracks them. Adapters exist for subprocess CLIs
// (codex, claude) and OpenAI-compatible HTTP APIs (opencode); a noop
// engine backs development stacks where no agent is installed.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Kind is the transport class of an engine adapter.
type Kind string

const (
	KindCLI  Kind = "cli"
	KindAPI  Kind = "api"
	KindNoop Kind = "noop"
)

// SandboxMode is the filesystem access level granted to an engine run.
type SandboxMode string

const (
	SandboxFullAccess     SandboxMode = "full-access"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxReadOnly       SandboxMode = "read-only"
)

// Metadata describes a registered engine.
type Metadata struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Kind         Kind     `json:"kind"`
	DefaultModel string   `json:"default_model,omitempty"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Request carries one unit of work to an engine. When PromptFiles is
// set the adapter concatenates their contents in order ahead of Prompt,
// so callers that assemble prompts from protocol documents don't need
// to read them first. The correlation ids are optional and flow into
// adapter logs.
type Request struct {
	Prompt      string
	PromptFiles []string
	Model       string
	WorkingDir  string
	Timeout     time.Duration
	Extra       map[string]string

	ProjectID string
	RunID     string
	StepID    string
}

// Result is the outcome of one engine invocation. Command-level failures
// (non-zero exit, timeout, missing binary) are reported via
// Success/Error so callers can route them through QA feedback; only
// configuration and transport problems surface as Go errors.
type Result struct {
	Success    bool
	Output     string
	Stderr     string
	ExitCode   int
	Duration   time.Duration
	Error      string
	EngineID   string
	Model      string
	TokensUsed int
	CostCents  float64
}

// Engine is the contract every coding-agent adapter implements.
// Plan runs with full filesystem access, Execute with workspace-write,
// QA read-only. A request's Extra["sandbox"] overrides the per-action
// default.
type Engine interface {
	Metadata() Metadata
	Plan(ctx context.Context, req Request) (*Result, error)
	Execute(ctx context.Context, req Request) (*Result, error)
	QA(ctx context.Context, req Request) (*Result, error)
	CheckAvailability(ctx context.Context) error
}

// assemblePrompt concatenates the request's prompt files in order,
// followed by the inline prompt. An unreadable prompt file is a caller
// misconfiguration and surfaces as an error.
func assemblePrompt(req Request) (string, error) {
	if len(req.PromptFiles) == 0 {
		return req.Prompt, nil
	}
	parts := make([]string, 0, len(req.PromptFiles)+1)
	for _, path := range req.PromptFiles {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		parts = append(parts, strings.TrimRight(string(content), "\n"))
	}
	if req.Prompt != "" {
		parts = append(parts, req.Prompt)
	}
	return strings.Join(parts, "\n\n"), nil
}

// sandboxFor resolves the sandbox mode for an action, honoring the
// Extra["sandbox"] override when it names a valid mode.
func sandboxFor(def SandboxMode, req Request) SandboxMode {
	switch SandboxMode(req.Extra["sandbox"]) {
	case SandboxFullAccess:
		return SandboxFullAccess
	case SandboxWorkspaceWrite:
		return SandboxWorkspaceWrite
	case SandboxReadOnly:
		return SandboxReadOnly
	}
	return def
}
