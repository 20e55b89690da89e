package engine

import (
	"time"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// codexSandbox maps the generic sandbox mode to codex's --sandbox values.
func codexSandbox(sandbox SandboxMode) string {
	switch sandbox {
	case SandboxFullAccess:
		return "danger-full-access"
	case SandboxReadOnly:
		return "read-only"
	default:
		return "workspace-write"
	}
}

// NewCodex builds the codex CLI adapter. Prompts are read from stdin via
// the trailing "-" argument.
func NewCodex(binary, defaultModel string, timeout time.Duration, logger *logging.Logger) Engine {
	if binary == "" {
		binary = "codex"
	}
	if defaultModel == "" {
		defaultModel = "o4-mini"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &cliEngine{
		meta: Metadata{
			ID:           "codex",
			DisplayName:  "OpenAI Codex CLI",
			Kind:         KindCLI,
			DefaultModel: defaultModel,
			Description:  "OpenAI's Codex CLI for code generation",
			Capabilities: []string{"plan", "execute", "qa", "multi-file"},
		},
		binary:         binary,
		defaultTimeout: timeout,
		logger:         logger.Named("codex"),
		buildArgs: func(req Request, sandbox SandboxMode, model string) []string {
			args := []string{
				"exec",
				"-m", model,
				"--cd", req.WorkingDir,
				"--sandbox", codexSandbox(sandbox),
				"--dangerously-bypass-approvals-and-sandbox",
				"--skip-git-repo-check",
			}
			if schema := req.Extra["output_schema"]; schema != "" {
				args = append(args, "--output-schema", schema)
			}
			if last := req.Extra["output_last_message"]; last != "" {
				args = append(args, "--output-last-message", last)
			}
			return append(args, "-")
		},
	}
}
