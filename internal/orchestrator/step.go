package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/feedback"
	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/qa"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// ExecuteStep runs one step's full Execute+QA+Feedback cycle to a
// terminal or retried state. It is idempotent under redelivery: a step
// already terminal or claimed by another worker is left alone.
func (o *Orchestrator) ExecuteStep(ctx context.Context, stepID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_step",
		trace.WithAttributes(attribute.String("step.id", stepID)))
	defer span.End()

	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	run, err := o.store.GetRun(ctx, step.RunID)
	if err != nil {
		return err
	}
	ctx = logging.WithStepID(logging.WithRunID(ctx, run.ID), step.ID)

	if step.Status.Terminal() {
		return nil
	}
	if !run.Status.Active() {
		o.event(ctx, run.ID, step.ID, "step.skipped",
			fmt.Sprintf("run is %s, not scheduling", run.Status), nil)
		return nil
	}

	// Steps sharing a worktree never interleave Execute+QA.
	release, err := o.locks.Acquire(ctx, worktreeKey(run))
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the lock: the run may have been paused or cancelled
	// while we waited.
	step, err = o.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	run, err = o.store.GetRun(ctx, step.RunID)
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return nil
	}
	if !run.Status.Active() {
		o.event(ctx, run.ID, step.ID, "step.skipped",
			fmt.Sprintf("run is %s, not scheduling", run.Status), nil)
		return nil
	}

	if err := o.store.TransitionRun(ctx, run.ID, store.RunRunning, store.RunPending); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	if err := o.store.TransitionStep(ctx, step.ID, store.StepRunning, store.StepPending); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Claimed elsewhere or externally transitioned; redelivery noise.
			return nil
		}
		return err
	}
	o.event(ctx, run.ID, step.ID, "step.transition", "pending -> running", nil)

	eng, err := o.resolveEngine(run, step)
	if err != nil {
		return o.failStep(ctx, run, step.ID, fmt.Sprintf("engine resolution failed: %v", err), nil)
	}
	model := resolveModel(run, step)
	meta := eng.Metadata()

	prompt, promptPath, promptHash, err := buildStepPrompt(run.ProtocolRoot, step.Name)
	if err != nil {
		return o.failStep(ctx, run, step.ID, err.Error(), nil)
	}

	completionMeta := map[string]string{
		"engine_id":   meta.ID,
		"model":       model,
		"prompt_path": promptPath,
		"spec_hash":   promptHash,
	}

	// One router per step execution session so attempt counts span QA
	// rounds but never leak across steps.
	router := feedback.NewRouter(o.feedbackRoutes(), o.logger)
	workspace := workspaceOf(run)

	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		res, err := eng.Execute(ctx, engine.Request{
			Prompt:     prompt,
			Model:      model,
			WorkingDir: workspace,
			Timeout:    o.cfg.Worker.StepTimeout,
			RunID:      run.ID,
			StepID:     step.ID,
		})
		if err != nil {
			// Configuration failures are fatal, never retried.
			return o.failStep(ctx, run, step.ID,
				fmt.Sprintf("engine invocation failed: %v", err), completionMeta)
		}
		o.persistOutput(ctx, run, step, res)
		if res.TokensUsed > 0 {
			completionMeta["tokens_used"] = strconv.Itoa(res.TokensUsed)
		}
		if res.CostCents > 0 {
			completionMeta["cost_cents"] = strconv.FormatFloat(res.CostCents, 'f', 2, 64)
		}

		if o.resolvePolicy(step) == "skip" {
			if res.Success {
				return o.completeStep(ctx, run, step.ID, withQA(completionMeta, "skipped"))
			}
			return o.failStep(ctx, run, step.ID, res.Error, withQA(completionMeta, "skipped"))
		}

		if err := o.store.TransitionStep(ctx, step.ID, store.StepNeedsQA, store.StepRunning); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Cancelled while executing; the result is discarded.
				o.event(ctx, run.ID, step.ID, "step.result_discarded",
					"step left running state externally", nil)
				return nil
			}
			return err
		}
		o.event(ctx, run.ID, step.ID, "step.transition", "running -> needs_qa", nil)

		qres := o.runGates(ctx, run, step, eng, res)
		o.writeQAReport(ctx, run, step, qres)

		findings := qres.BlockingFindings()
		if !res.Success {
			// Execution failures ride the same routing as gate findings.
			findings = append(findings, qa.Finding{
				GateID:   "execute",
				Severity: "error",
				Message:  res.Error,
			})
		}
		if len(findings) == 0 {
			return o.completeStep(ctx, run, step.ID, withQA(completionMeta, string(qres.Verdict)))
		}

		routed := router.RouteAll(ctx, findings)
		decision := worstAction(routed)

		switch decision {
		case feedback.ActionBlock:
			return o.blockStep(ctx, run, step.ID, routed, completionMeta)
		case feedback.ActionEscalate:
			return o.failStep(ctx, run, step.ID,
				escalationReason(routed), withFindings(completionMeta, routed))
		}

		if attempt == step.MaxRetries {
			return o.failStep(ctx, run, step.ID,
				fmt.Sprintf("retries exhausted after %d attempts", attempt+1),
				withFindings(completionMeta, routed))
		}

		prompt = buildFixPrompts(workspace, routed)
		for i := range routed {
			router.IncrementAttempt(&routed[i])
		}

		if err := o.store.TransitionStep(ctx, step.ID, store.StepRunning, store.StepNeedsQA); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return err
		}
		o.event(ctx, run.ID, step.ID, "step.retry",
			fmt.Sprintf("qa attempt %d routed to %s, re-running with fix prompt", attempt+1, decision),
			map[string]string{"findings": strconv.Itoa(len(routed))})
		o.logger.Info(ctx, "step retrying after qa feedback",
			zap.String("step", step.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("findings", len(routed)))
	}
	return nil
}

// RunQA evaluates the gate set against a step's workspace without
// touching step state. Used by the HTTP API for ad hoc checks.
func (o *Orchestrator) RunQA(ctx context.Context, stepID string, skip ...string) (qa.RunResult, error) {
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return qa.RunResult{}, err
	}
	run, err := o.store.GetRun(ctx, step.RunID)
	if err != nil {
		return qa.RunResult{}, err
	}
	eng, err := o.resolveEngine(run, step)
	if err != nil {
		return qa.RunResult{}, err
	}

	runner := qa.NewRunner(o.gates(run, step, eng), o.logger)
	result := runner.Run(ctx, qa.Context{
		WorkspaceRoot: workspaceOf(run),
		ProtocolRoot:  run.ProtocolRoot,
		StepName:      step.Name,
		StepID:        step.ID,
		RunID:         run.ID,
	}, skip...)
	o.writeQAReport(ctx, run, step, result)
	return result, nil
}

func (o *Orchestrator) runGates(ctx context.Context, run *store.Run, step *store.Step, eng engine.Engine, res *engine.Result) qa.RunResult {
	runner := qa.NewRunner(o.gates(run, step, eng), o.logger)
	return runner.Run(ctx, qa.Context{
		WorkspaceRoot: workspaceOf(run),
		ProtocolRoot:  run.ProtocolRoot,
		StepName:      step.Name,
		StepID:        step.ID,
		RunID:         run.ID,
		Stdout:        res.Output,
		Stderr:        res.Stderr,
	})
}

// worstAction folds routing decisions: BLOCK dominates ESCALATE
// dominates the retryable actions.
func worstAction(routed []feedback.Routed) feedback.Action {
	worst := feedback.ActionRetry
	for _, r := range routed {
		switch r.Route.Action {
		case feedback.ActionBlock:
			return feedback.ActionBlock
		case feedback.ActionEscalate:
			worst = feedback.ActionEscalate
		case feedback.ActionAutoFix:
			if worst != feedback.ActionEscalate {
				worst = feedback.ActionAutoFix
			}
		}
	}
	return worst
}

func escalationReason(routed []feedback.Routed) string {
	for _, r := range routed {
		if r.Route.Action == feedback.ActionEscalate {
			if reason := r.Route.Metadata["reason"]; reason != "" {
				return fmt.Sprintf("escalated: %s (%s)", r.Finding.Message, reason)
			}
			return "escalated: " + r.Finding.Message
		}
	}
	return "escalated"
}

func (o *Orchestrator) completeStep(ctx context.Context, run *store.Run, stepID string, metadata map[string]string) error {
	if err := o.store.TransitionStep(ctx, stepID, store.StepCompleted, store.StepRunning, store.StepNeedsQA); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	o.event(ctx, run.ID, stepID, "step.completed", "step completed", metadata)
	o.countStep(ctx, store.StepCompleted)
	return o.afterTerminal(ctx, run.ID, true)
}

func (o *Orchestrator) failStep(ctx context.Context, run *store.Run, stepID, reason string, metadata map[string]string) error {
	if err := o.store.TransitionStep(ctx, stepID, store.StepFailed,
		store.StepPending, store.StepRunning, store.StepNeedsQA); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	o.event(ctx, run.ID, stepID, "step.failed", reason, metadata)
	o.countStep(ctx, store.StepFailed)
	o.logger.Warn(ctx, "step failed", zap.String("reason", reason))
	return o.afterTerminal(ctx, run.ID, false)
}

func (o *Orchestrator) blockStep(ctx context.Context, run *store.Run, stepID string, routed []feedback.Routed, metadata map[string]string) error {
	if err := o.store.TransitionStep(ctx, stepID, store.StepBlocked,
		store.StepRunning, store.StepNeedsQA); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	o.event(ctx, run.ID, stepID, "step.blocked",
		"blocking findings require human review", withFindings(metadata, routed))
	o.countStep(ctx, store.StepBlocked)
	return o.afterTerminal(ctx, run.ID, false)
}

// afterTerminal advances the protocol: enqueue newly runnable steps on
// success, then recompute the run status.
func (o *Orchestrator) afterTerminal(ctx context.Context, runID string, completed bool) error {
	if completed {
		if err := o.EnqueueNextSteps(ctx, runID); err != nil {
			o.logger.Warn(ctx, "failed to enqueue next steps", zap.Error(err))
		}
	}
	return o.CheckAndCompleteRun(ctx, runID)
}

func withQA(metadata map[string]string, verdict string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["qa_verdict"] = verdict
	return out
}

func withFindings(metadata map[string]string, routed []feedback.Routed) map[string]string {
	out := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	out["blocking_findings"] = strconv.Itoa(len(routed))
	if len(routed) > 0 {
		out["first_finding"] = routed[0].Finding.Message
	}
	return out
}
