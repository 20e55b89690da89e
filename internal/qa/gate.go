// Package qa implements composable quality gates and the runner that
// aggregates their verdicts for a step.
package qa

import (
	"context"
	"time"
)

// Verdict is the outcome of one gate or an aggregated QA run.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictWarn  Verdict = "warn"
	VerdictFail  Verdict = "fail"
	VerdictSkip  Verdict = "skip"
	VerdictError Verdict = "error"
)

// rank orders verdicts for worst-of aggregation. PASS and SKIP tie at
// the bottom so gate order never changes the outcome.
func (v Verdict) rank() int {
	switch v {
	case VerdictError:
		return 4
	case VerdictFail:
		return 3
	case VerdictWarn:
		return 2
	default:
		return 1
	}
}

// Passed reports whether the verdict allows the step to proceed.
func (v Verdict) Passed() bool {
	return v == VerdictPass || v == VerdictWarn || v == VerdictSkip
}

// Finding is one issue reported by a gate.
type Finding struct {
	GateID     string            `json:"gate_id"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	FilePath   string            `json:"file_path,omitempty"`
	LineNumber int               `json:"line_number,omitempty"`
	RuleID     string            `json:"rule_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of running one gate.
type Result struct {
	GateID   string            `json:"gate_id"`
	GateName string            `json:"gate_name"`
	Verdict  Verdict           `json:"verdict"`
	Findings []Finding         `json:"findings,omitempty"`
	Duration time.Duration     `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Passed reports whether the gate allows the step to proceed.
func (r Result) Passed() bool { return r.Verdict.Passed() }

// Context carries everything a gate needs to evaluate a step.
type Context struct {
	WorkspaceRoot string
	ProtocolRoot  string
	StepName      string
	StepID        string
	RunID         string

	// Captured agent output from the execution phase.
	Stdout string
	Stderr string
}

// Gate is a composable validation unit.
type Gate interface {
	ID() string
	Name() string
	// Blocking gates turn FAIL/ERROR verdicts into blocking findings;
	// advisory gates (lint, type, format) never block on their own.
	Blocking() bool
	Run(ctx context.Context, gc Context) Result
}

// skipResult builds a SKIP result with a reason.
func skipResult(g Gate, reason string) Result {
	return Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Verdict:  VerdictSkip,
		Metadata: map[string]string{"skip_reason": reason},
	}
}

// errorResult builds an ERROR result with a message.
func errorResult(g Gate, msg string) Result {
	return Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Verdict:  VerdictError,
		Error:    msg,
	}
}
