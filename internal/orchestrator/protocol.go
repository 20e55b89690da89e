package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/queue"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// StepSpec declares one step of a protocol at submission time.
type StepSpec struct {
	Name       string   `json:"name"`
	EngineID   string   `json:"engine_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	QAPolicy   string   `json:"qa_policy,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// RunSpec declares a protocol run.
type RunSpec struct {
	ProtocolName string     `json:"protocol_name"`
	ProtocolRoot string     `json:"protocol_root"`
	WorkspaceDir string     `json:"workspace_dir"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	EngineID     string     `json:"engine_id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Steps        []StepSpec `json:"steps"`
}

// StartRun persists a new run with its steps and enqueues the first
// runnable ones.
func (o *Orchestrator) StartRun(ctx context.Context, spec RunSpec) (*store.Run, error) {
	if spec.ProtocolName == "" {
		return nil, fmt.Errorf("protocol name is required")
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}
	names := make(map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step name is required")
		}
		if names[s.Name] {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		names[s.Name] = true
	}
	for _, s := range spec.Steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.Name, dep)
			}
		}
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		ProtocolName: spec.ProtocolName,
		ProtocolRoot: spec.ProtocolRoot,
		WorkspaceDir: spec.WorkspaceDir,
		WorktreePath: spec.WorktreePath,
		EngineID:     spec.EngineID,
		Model:        spec.Model,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	for _, s := range spec.Steps {
		step := &store.Step{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			Name:       s.Name,
			EngineID:   s.EngineID,
			Model:      s.Model,
			QAPolicy:   s.QAPolicy,
			MaxRetries: s.MaxRetries,
			DependsOn:  s.DependsOn,
		}
		if err := o.store.CreateStep(ctx, step); err != nil {
			return nil, err
		}
	}
	o.event(ctx, run.ID, "", "run.created", spec.ProtocolName,
		map[string]string{"steps": fmt.Sprintf("%d", len(spec.Steps))})

	if err := o.EnqueueNextSteps(ctx, run.ID); err != nil {
		return nil, err
	}
	return o.store.GetRun(ctx, run.ID)
}

// EnqueueNextSteps publishes a job for every PENDING step whose
// dependencies are all COMPLETED. Runs that are paused, blocked, or
// terminal never auto-advance.
func (o *Orchestrator) EnqueueNextSteps(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Active() {
		return nil
	}
	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}

	completed := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == store.StepCompleted {
			completed[s.Name] = true
		}
	}

	for _, s := range steps {
		if s.Status != store.StepPending {
			continue
		}
		runnable := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				runnable = false
				break
			}
		}
		if !runnable {
			continue
		}
		job := queue.Job{
			// StateVersion in the id lets a manually retried step
			// bypass publish dedup.
			ID:     fmt.Sprintf("%s:%d", s.ID, s.StateVersion),
			RunID:  runID,
			StepID: s.ID,
		}
		if err := o.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue step %s: %w", s.Name, err)
		}
		o.event(ctx, runID, s.ID, "step.enqueued", s.Name, nil)
	}
	return nil
}

// CheckAndCompleteRun recomputes the run status once every step is
// terminal: FAILED if any step failed or blocked, COMPLETED otherwise.
func (o *Orchestrator) CheckAndCompleteRun(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}

	anyFailed := false
	for _, s := range steps {
		if !s.Status.Terminal() {
			return nil
		}
		if s.Status == store.StepFailed || s.Status == store.StepBlocked {
			anyFailed = true
		}
	}

	target := store.RunCompleted
	if anyFailed {
		target = store.RunFailed
	}
	err = o.store.TransitionRun(ctx, runID, target,
		store.RunPending, store.RunRunning, store.RunPaused, store.RunBlocked)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	o.event(ctx, runID, "", "run."+string(target), "", nil)
	o.countRun(ctx, target)
	o.logger.Info(ctx, "run finished", zap.String("status", string(target)))
	return nil
}

// PauseRun stops further scheduling. In-flight steps finish normally.
func (o *Orchestrator) PauseRun(ctx context.Context, runID string) error {
	err := o.store.TransitionRun(ctx, runID, store.RunPaused,
		store.RunPending, store.RunRunning)
	if err != nil {
		return err
	}
	o.event(ctx, runID, "", "run.paused", "", nil)
	return nil
}

// ResumeRun re-activates a paused run and enqueues runnable steps.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) error {
	err := o.store.TransitionRun(ctx, runID, store.RunRunning, store.RunPaused)
	if err != nil {
		return err
	}
	o.event(ctx, runID, "", "run.resumed", "", nil)
	return o.EnqueueNextSteps(ctx, runID)
}

// CancelRun marks the run and all its non-terminal steps CANCELLED.
// In-flight engine work is not killed; its result is discarded when
// the step's guarded transition fails.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	err := o.store.TransitionRun(ctx, runID, store.RunCancelled,
		store.RunPending, store.RunRunning, store.RunPaused, store.RunBlocked)
	if err != nil {
		return err
	}
	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status.Terminal() {
			continue
		}
		err := o.store.TransitionStep(ctx, s.ID, store.StepCancelled,
			store.StepPending, store.StepRunning, store.StepNeedsQA)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	o.event(ctx, runID, "", "run.cancelled", "", nil)
	o.countRun(ctx, store.RunCancelled)
	return nil
}

// RetryStep returns a failed or blocked step to PENDING and re-enqueues
// it, reviving the run if it already finished FAILED.
func (o *Orchestrator) RetryStep(ctx context.Context, stepID string) error {
	step, err := o.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	err = o.store.TransitionStep(ctx, stepID, store.StepPending,
		store.StepFailed, store.StepBlocked)
	if err != nil {
		return err
	}
	err = o.store.TransitionRun(ctx, step.RunID, store.RunRunning,
		store.RunFailed, store.RunBlocked, store.RunPaused)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	o.event(ctx, step.RunID, stepID, "step.retry_requested", step.Name, nil)
	return o.EnqueueNextSteps(ctx, step.RunID)
}

// RecoverStuckRuns re-enqueues work for active runs that have runnable
// steps but nothing in flight, and finalizes runs whose steps are all
// terminal. Called on daemon startup and periodically.
func (o *Orchestrator) RecoverStuckRuns(ctx context.Context) error {
	runs, err := o.store.ListRuns(ctx, store.RunPending, store.RunRunning)
	if err != nil {
		return err
	}
	for _, run := range runs {
		steps, err := o.store.ListSteps(ctx, run.ID)
		if err != nil {
			return err
		}
		inFlight := false
		allTerminal := true
		for _, s := range steps {
			if s.Status == store.StepRunning || s.Status == store.StepNeedsQA {
				inFlight = true
			}
			if !s.Status.Terminal() {
				allTerminal = false
			}
		}
		switch {
		case allTerminal:
			if err := o.CheckAndCompleteRun(ctx, run.ID); err != nil {
				return err
			}
		case !inFlight:
			o.logger.Info(ctx, "recovering stuck run",
				zap.String("run_id", run.ID),
				zap.String("protocol", run.ProtocolName))
			if err := o.EnqueueNextSteps(ctx, run.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
