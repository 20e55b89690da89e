package engine

import (
	"time"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// NewClaude builds the claude CLI adapter. The claude CLI has no sandbox
// flag of its own; read-only runs are enforced upstream by the caller's
// worktree handling, so the flag set is identical across actions.
func NewClaude(binary, defaultModel string, timeout time.Duration, logger *logging.Logger) Engine {
	if binary == "" {
		binary = "claude"
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &cliEngine{
		meta: Metadata{
			ID:           "claude-code",
			DisplayName:  "Claude Code CLI",
			Kind:         KindCLI,
			DefaultModel: defaultModel,
			Description:  "Anthropic's Claude Code CLI for code generation",
			Capabilities: []string{"plan", "execute", "qa", "multi-file", "reasoning"},
		},
		binary:         binary,
		defaultTimeout: timeout,
		logger:         logger.Named("claude"),
		buildArgs: func(req Request, sandbox SandboxMode, model string) []string {
			args := []string{
				"--print",
				"--dangerously-skip-permissions",
				"--model", model,
			}
			if format := req.Extra["output_format"]; format != "" {
				args = append(args, "--output-format", format)
			}
			return args
		},
	}
}
