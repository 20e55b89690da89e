package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

const defaultCommandTimeout = 30 * time.Minute

// argsBuilder constructs the argv (excluding the binary) for one
// invocation of a CLI agent.
type argsBuilder func(req Request, sandbox SandboxMode, model string) []string

// cliEngine runs a coding agent as a subprocess. The prompt is delivered
// on stdin; stdout and stderr are captured whole.
type cliEngine struct {
	meta           Metadata
	binary         string
	defaultTimeout time.Duration
	buildArgs      argsBuilder
	logger         *logging.Logger
}

func (e *cliEngine) Metadata() Metadata { return e.meta }

func (e *cliEngine) Plan(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, sandboxFor(SandboxFullAccess, req))
}

func (e *cliEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, sandboxFor(SandboxWorkspaceWrite, req))
}

func (e *cliEngine) QA(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, sandboxFor(SandboxReadOnly, req))
}

// CheckAvailability verifies the agent binary is on PATH.
func (e *cliEngine) CheckAvailability(_ context.Context) error {
	if _, err := exec.LookPath(e.binary); err != nil {
		return fmt.Errorf("%s binary not found: %w", e.binary, err)
	}
	return nil
}

func (e *cliEngine) resolveModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return e.meta.DefaultModel
}

func (e *cliEngine) resolveTimeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if e.defaultTimeout > 0 {
		return e.defaultTimeout
	}
	return defaultCommandTimeout
}

func (e *cliEngine) run(ctx context.Context, req Request, sandbox SandboxMode) (*Result, error) {
	model := e.resolveModel(req)
	if model == "" {
		return nil, &ConfigError{EngineID: e.meta.ID, Reason: "no model configured"}
	}

	prompt, err := assemblePrompt(req)
	if err != nil {
		return nil, err
	}

	timeout := e.resolveTimeout(req)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.buildArgs(req, sandbox, model)
	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug(ctx, "cli engine run",
		zap.String("engine_id", e.meta.ID),
		zap.String("sandbox", string(sandbox)),
		zap.String("binary", e.binary),
		zap.String("run_id", req.RunID),
		zap.String("step_id", req.StepID),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		EngineID: e.meta.ID,
		Model:    model,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.ExitCode = -1
		result.Error = fmt.Sprintf("timed out after %ds", int(timeout.Seconds()))
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Success = false
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			return result, nil
		}
		// Spawn failures (missing binary, bad workdir) are expected
		// command-level problems, routed through QA like any other
		// failed run.
		result.Success = false
		result.ExitCode = -1
		result.Error = fmt.Sprintf("failed to run %s: %v", e.binary, runErr)
		return result, nil
	}

	result.Success = true
	return result, nil
}
