package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/orchestrator"
	"github.com/fyrsmithlabs/stepd/internal/qa"
	"github.com/fyrsmithlabs/stepd/internal/queue"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

type passingGate struct{}

func (passingGate) ID() string     { return "pass" }
func (passingGate) Name() string   { return "Pass" }
func (passingGate) Blocking() bool { return true }
func (passingGate) Run(context.Context, qa.Context) qa.Result {
	return qa.Result{GateID: "pass", Verdict: qa.VerdictPass}
}

func TestPoolRunsStepsFromQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(engine.NewNoop(), engine.AsDefault()))

	st := store.NewMemory()
	q := queue.NewMemory(3)
	t.Cleanup(func() { _ = q.Close() })

	cfg := &config.Config{}
	cfg.QA.Policy = "standard"
	cfg.Worker.StepTimeout = time.Minute

	orch, err := orchestrator.New(orchestrator.Options{
		Store:    st,
		Registry: registry,
		Queue:    q,
		Config:   cfg,
		Gates: func(*store.Run, *store.Step, engine.Engine) []qa.Gate {
			return []qa.Gate{passingGate{}}
		},
	})
	require.NoError(t, err)

	pool := New(orch, q, 2, time.Minute, nil)
	require.NoError(t, pool.Start(ctx))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "build.md"), []byte("Build it."), 0o644))

	run, err := orch.StartRun(ctx, orchestrator.RunSpec{
		ProtocolName: "release",
		ProtocolRoot: root,
		WorkspaceDir: t.TempDir(),
		Steps:        []orchestrator.StepSpec{{Name: "build"}},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := st.GetRun(ctx, run.ID)
		return err == nil && got.Status == store.RunCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
