package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "stepd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func newRun() *Run {
	return &Run{
		ID:           uuid.NewString(),
		ProtocolName: "release",
		ProtocolRoot: "/protocols/release",
		WorkspaceDir: "/tmp/ws",
	}
}

func newStep(runID string) *Step {
	return &Step{
		ID:         uuid.NewString(),
		RunID:      runID,
		Name:       "implement",
		MaxRetries: 2,
		DependsOn:  []string{"plan"},
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))
			assert.Equal(t, RunPending, run.Status)
			assert.EqualValues(t, 1, run.StateVersion)

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, run.ID, got.ID)
			assert.Equal(t, "release", got.ProtocolName)

			require.NoError(t, s.TransitionRun(ctx, run.ID, RunRunning, RunPending))

			got, err = s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunRunning, got.Status)
			assert.EqualValues(t, 2, got.StateVersion)
		})
	}
}

func TestRunNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrRunNotFound)

			err = s.TransitionRun(ctx, "missing", RunRunning, RunPending)
			assert.ErrorIs(t, err, ErrRunNotFound)
		})
	}
}

func TestTransitionRunGuard(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))
			require.NoError(t, s.TransitionRun(ctx, run.ID, RunRunning, RunPending))
			require.NoError(t, s.TransitionRun(ctx, run.ID, RunCompleted, RunRunning))

			// Terminal states reject further transitions.
			err := s.TransitionRun(ctx, run.ID, RunRunning, RunPending, RunPaused)
			assert.ErrorIs(t, err, ErrConflict)

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunCompleted, got.Status)
		})
	}
}

func TestUpdateRunOptimisticLock(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))

			run.EngineID = "codex"
			run.WorktreePath = "/tmp/ws/.worktrees/release"
			require.NoError(t, s.UpdateRun(ctx, run))
			assert.EqualValues(t, 2, run.StateVersion)

			stale := *run
			stale.StateVersion = 1
			err := s.UpdateRun(ctx, &stale)
			assert.ErrorIs(t, err, ErrConflict)

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "codex", got.EngineID)
			assert.Equal(t, "/tmp/ws/.worktrees/release", got.WorktreePath)
		})
	}
}

func TestListRunsFilter(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := newRun(), newRun()
			require.NoError(t, s.CreateRun(ctx, a))
			require.NoError(t, s.CreateRun(ctx, b))
			require.NoError(t, s.TransitionRun(ctx, b.ID, RunRunning, RunPending))

			running, err := s.ListRuns(ctx, RunRunning)
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, b.ID, running[0].ID)

			all, err := s.ListRuns(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestStepLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))

			step := newStep(run.ID)
			require.NoError(t, s.CreateStep(ctx, step))
			assert.Equal(t, StepPending, step.Status)

			got, err := s.GetStep(ctx, step.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"plan"}, got.DependsOn)
			assert.Equal(t, 2, got.MaxRetries)

			require.NoError(t, s.TransitionStep(ctx, step.ID, StepRunning, StepPending))
			require.NoError(t, s.TransitionStep(ctx, step.ID, StepNeedsQA, StepRunning))

			// Retry loop returns to running from needs_qa.
			require.NoError(t, s.TransitionStep(ctx, step.ID, StepRunning, StepNeedsQA))
			require.NoError(t, s.TransitionStep(ctx, step.ID, StepNeedsQA, StepRunning))
			require.NoError(t, s.TransitionStep(ctx, step.ID, StepCompleted, StepNeedsQA))

			err = s.TransitionStep(ctx, step.ID, StepRunning, StepNeedsQA, StepPending)
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestUpdateStep(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))
			step := newStep(run.ID)
			step.DependsOn = nil
			require.NoError(t, s.CreateStep(ctx, step))

			step.Summary = "wrote the parser"
			step.EngineID = "claude-code"
			require.NoError(t, s.UpdateStep(ctx, step))

			got, err := s.GetStep(ctx, step.ID)
			require.NoError(t, err)
			assert.Equal(t, "wrote the parser", got.Summary)
			assert.Equal(t, "claude-code", got.EngineID)
			assert.Empty(t, got.DependsOn)
		})
	}
}

func TestListStepsOrder(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))

			names := []string{"plan", "implement", "verify"}
			for _, n := range names {
				step := newStep(run.ID)
				step.Name = n
				step.DependsOn = nil
				require.NoError(t, s.CreateStep(ctx, step))
			}
			steps, err := s.ListSteps(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, steps, 3)
		})
	}
}

func TestEvents(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun()
			require.NoError(t, s.CreateRun(ctx, run))
			step := newStep(run.ID)
			require.NoError(t, s.CreateStep(ctx, step))

			require.NoError(t, s.AppendEvent(ctx, &Event{
				RunID: run.ID, Type: "run.started",
			}))
			require.NoError(t, s.AppendEvent(ctx, &Event{
				RunID: run.ID, StepID: step.ID, Type: "step.transition",
				Message:  "pending -> running",
				Metadata: map[string]string{"from": "pending", "to": "running"},
			}))

			all, err := s.ListEvents(ctx, run.ID, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "run.started", all[0].Type)
			assert.True(t, all[0].ID < all[1].ID)

			scoped, err := s.ListEvents(ctx, run.ID, step.ID)
			require.NoError(t, err)
			require.Len(t, scoped, 1)
			assert.Equal(t, "running", scoped[0].Metadata["to"])
		})
	}
}

func TestTerminalHelpers(t *testing.T) {
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepBlocked.Terminal())
	assert.False(t, StepNeedsQA.Terminal())
	assert.True(t, RunCancelled.Terminal())
	assert.False(t, RunPaused.Terminal())
	assert.True(t, RunPending.Active())
	assert.False(t, RunPaused.Active())
}
