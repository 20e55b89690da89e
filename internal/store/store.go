package store

import "context"

// Store persists runs, steps, and events. Implementations must be safe
// for concurrent use.
type Store interface {
	// CreateRun inserts a new run. The run's ID must be set by the caller.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the run or ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs filtered by status. An empty filter returns
	// all runs, newest first.
	ListRuns(ctx context.Context, statuses ...RunStatus) ([]*Run, error)

	// TransitionRun moves a run to the target status only if its current
	// status is one of from. Returns ErrConflict otherwise.
	TransitionRun(ctx context.Context, id string, to RunStatus, from ...RunStatus) error

	// UpdateRun persists mutable run fields (engine, model, worktree).
	// The run's StateVersion must match the stored version or
	// ErrConflict is returned.
	UpdateRun(ctx context.Context, run *Run) error

	// CreateStep inserts a new step.
	CreateStep(ctx context.Context, step *Step) error

	// GetStep returns the step or ErrStepNotFound.
	GetStep(ctx context.Context, id string) (*Step, error)

	// ListSteps returns all steps of a run in creation order.
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	// TransitionStep moves a step to the target status only if its
	// current status is one of from. Returns ErrConflict otherwise.
	TransitionStep(ctx context.Context, id string, to StepStatus, from ...StepStatus) error

	// UpdateStep persists mutable step fields with optimistic locking on
	// StateVersion.
	UpdateStep(ctx context.Context, step *Step) error

	// AppendEvent records an event. ID and CreatedAt are assigned by the
	// store.
	AppendEvent(ctx context.Context, ev *Event) error

	// ListEvents returns events for a run in append order. stepID may be
	// empty to include run-level and all step events.
	ListEvents(ctx context.Context, runID, stepID string) ([]*Event, error)

	Close() error
}
