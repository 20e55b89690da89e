package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/artifacts"
	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/qa"
	"github.com/fyrsmithlabs/stepd/internal/queue"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// scriptedEngine returns canned results and records every prompt.
type scriptedEngine struct {
	mu         sync.Mutex
	prompts    []string
	results    []*engine.Result
	execErr    error
	concurrent atomic.Int32
	maxSeen    atomic.Int32
}

func (e *scriptedEngine) Metadata() engine.Metadata {
	return engine.Metadata{ID: "scripted", Kind: engine.KindNoop}
}

func (e *scriptedEngine) invoke(req engine.Request) (*engine.Result, error) {
	if e.execErr != nil {
		return nil, e.execErr
	}
	cur := e.concurrent.Add(1)
	for {
		seen := e.maxSeen.Load()
		if cur <= seen || e.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	e.concurrent.Add(-1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, req.Prompt)
	if len(e.results) > 0 {
		res := e.results[0]
		if len(e.results) > 1 {
			e.results = e.results[1:]
		}
		return res, nil
	}
	return &engine.Result{Success: true, Output: "done", EngineID: "scripted"}, nil
}

func (e *scriptedEngine) Plan(_ context.Context, req engine.Request) (*engine.Result, error) {
	return e.invoke(req)
}
func (e *scriptedEngine) Execute(_ context.Context, req engine.Request) (*engine.Result, error) {
	return e.invoke(req)
}
func (e *scriptedEngine) QA(_ context.Context, req engine.Request) (*engine.Result, error) {
	return e.invoke(req)
}
func (e *scriptedEngine) CheckAvailability(context.Context) error { return nil }

func (e *scriptedEngine) promptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prompts)
}

// scriptedGate yields verdicts from a queue, repeating the last one.
type scriptedGate struct {
	mu      sync.Mutex
	results []qa.Result
}

func (g *scriptedGate) ID() string     { return "scripted_gate" }
func (g *scriptedGate) Name() string   { return "Scripted Gate" }
func (g *scriptedGate) Blocking() bool { return true }
func (g *scriptedGate) Run(context.Context, qa.Context) qa.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := g.results[0]
	if len(g.results) > 1 {
		g.results = g.results[1:]
	}
	return res
}

func passGate() *scriptedGate {
	return &scriptedGate{results: []qa.Result{{GateID: "scripted_gate", Verdict: qa.VerdictPass}}}
}

func failGate(messages ...string) qa.Result {
	res := qa.Result{GateID: "scripted_gate", Verdict: qa.VerdictFail}
	for _, msg := range messages {
		res.Findings = append(res.Findings, qa.Finding{
			GateID:   "scripted_gate",
			Severity: "error",
			Message:  msg,
			FilePath: "main.go",
		})
	}
	return res
}

type harness struct {
	orch   *Orchestrator
	store  store.Store
	queue  *queue.MemoryQueue
	engine *scriptedEngine
	cfg    *config.Config
}

func newHarness(t *testing.T, gate qa.Gate) *harness {
	t.Helper()
	eng := &scriptedEngine{}
	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(eng, engine.AsDefault()))

	writer, err := artifacts.NewWriter(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.QA.Policy = "standard"
	cfg.Worker.StepTimeout = time.Minute

	st := store.NewMemory()
	q := queue.NewMemory(3)
	t.Cleanup(func() { _ = q.Close() })

	orch, err := New(Options{
		Store:     st,
		Registry:  registry,
		Queue:     q,
		Artifacts: writer,
		Config:    cfg,
		Gates: func(*store.Run, *store.Step, engine.Engine) []qa.Gate {
			if gate == nil {
				return nil
			}
			return []qa.Gate{gate}
		},
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: st, queue: q, engine: eng, cfg: cfg}
}

// protocolDir writes a plan.md and one step file per name.
func protocolDir(t *testing.T, stepNames ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.md"), []byte("# Plan\nShip it."), 0o644))
	for _, name := range stepNames {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"),
			[]byte("Do the "+name+" work."), 0o644))
	}
	return dir
}

func (h *harness) seedRun(t *testing.T, root string, steps ...*store.Step) *store.Run {
	t.Helper()
	ctx := context.Background()
	run := &store.Run{
		ID:           "run-1",
		ProtocolName: "release",
		ProtocolRoot: root,
		WorkspaceDir: t.TempDir(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	for _, s := range steps {
		s.RunID = run.ID
		require.NoError(t, h.store.CreateStep(ctx, s))
	}
	return run
}

func TestExecuteStepCompletes(t *testing.T) {
	h := newHarness(t, passGate())
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement"})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, step.Status)

	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)

	// The prompt is plan.md plus the step file, verbatim.
	require.Equal(t, 1, h.engine.promptCount())
	assert.Contains(t, h.engine.prompts[0], "Ship it.")
	assert.Contains(t, h.engine.prompts[0], "Do the implement work.")

	events, err := h.store.ListEvents(ctx, "run-1", "s1")
	require.NoError(t, err)
	var completed *store.Event
	for _, ev := range events {
		if ev.Type == "step.completed" {
			completed = ev
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, "scripted", completed.Metadata["engine_id"])
	assert.NotEmpty(t, completed.Metadata["spec_hash"])
	assert.NotEmpty(t, completed.Metadata["prompt_path"])
}

func TestExecuteStepQAPolicySkip(t *testing.T) {
	gateRan := false
	h := newHarness(t, nil)
	h.orch.gates = func(*store.Run, *store.Step, engine.Engine) []qa.Gate {
		gateRan = true
		return nil
	}
	ctx := context.Background()
	root := protocolDir(t, "docs")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "docs", QAPolicy: "skip"})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, step.Status)
	assert.False(t, gateRan)
}

func TestExecuteStepAutoFixLoop(t *testing.T) {
	gate := &scriptedGate{results: []qa.Result{
		failGate("eslint reported an unused variable"),
		{GateID: "scripted_gate", Verdict: qa.VerdictPass},
	}}
	h := newHarness(t, gate)
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement", MaxRetries: 2})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, step.Status)

	require.Equal(t, 2, h.engine.promptCount())
	assert.Contains(t, h.engine.prompts[1], "# Auto-Fix Request (Attempt 1)")
	assert.Contains(t, h.engine.prompts[1], "eslint reported an unused variable")
}

func TestExecuteStepRetriesExhausted(t *testing.T) {
	gate := &scriptedGate{results: []qa.Result{
		failGate("eslint reported an unused variable"),
	}}
	h := newHarness(t, gate)
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement", MaxRetries: 1})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, step.Status)
	assert.Equal(t, 2, h.engine.promptCount())

	run, err := h.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
}

func TestExecuteStepBlocksOnSecurityFinding(t *testing.T) {
	gate := &scriptedGate{results: []qa.Result{
		failGate("hardcoded credential detected in config"),
	}}
	h := newHarness(t, gate)
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement", MaxRetries: 3})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepBlocked, step.Status)
	// No auto-fix attempt for blocked findings.
	assert.Equal(t, 1, h.engine.promptCount())
}

func TestExecuteStepEscalatesUnknownFinding(t *testing.T) {
	gate := &scriptedGate{results: []qa.Result{
		failGate("behavior diverges from requirements"),
	}}
	h := newHarness(t, gate)
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement", MaxRetries: 3})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, step.Status)
}

func TestExecuteStepEngineErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, passGate())
	h.engine.execErr = &engine.ConfigError{EngineID: "scripted", Reason: "model is required"}
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement", MaxRetries: 3})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, step.Status)
}

func TestExecuteStepMissingPromptFails(t *testing.T) {
	h := newHarness(t, passGate())
	ctx := context.Background()
	h.seedRun(t, t.TempDir(), &store.Step{ID: "s1", Name: "implement"})

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, step.Status)
	assert.Equal(t, 0, h.engine.promptCount())
}

func TestExecuteStepSkipsInactiveRun(t *testing.T) {
	h := newHarness(t, passGate())
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement"})
	require.NoError(t, h.store.TransitionRun(ctx, "run-1", store.RunPaused, store.RunPending))

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))

	step, err := h.store.GetStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StepPending, step.Status)
	assert.Equal(t, 0, h.engine.promptCount())
}

func TestExecuteStepIdempotentWhenTerminal(t *testing.T) {
	h := newHarness(t, passGate())
	ctx := context.Background()
	root := protocolDir(t, "implement")
	h.seedRun(t, root, &store.Step{ID: "s1", Name: "implement"})
	require.NoError(t, h.store.TransitionStep(ctx, "s1", store.StepCompleted, store.StepPending))

	require.NoError(t, h.orch.ExecuteStep(ctx, "s1"))
	assert.Equal(t, 0, h.engine.promptCount())
}

func TestWorktreeExclusivity(t *testing.T) {
	h := newHarness(t, passGate())
	ctx := context.Background()
	root := protocolDir(t, "a", "b")
	h.seedRun(t, root,
		&store.Step{ID: "s1", Name: "a"},
		&store.Step{ID: "s2", Name: "b"},
	)

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			_ = h.orch.ExecuteStep(ctx, stepID)
		}(id)
	}
	wg.Wait()

	assert.EqualValues(t, 1, h.engine.maxSeen.Load(),
		"steps sharing a worktree must not execute concurrently")
}

func TestLockTableRelease(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	release, err := lt.Acquire(ctx, "/ws")
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = lt.Acquire(blocked, "/ws")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op

	again, err := lt.Acquire(ctx, "/ws")
	require.NoError(t, err)
	again()
}
