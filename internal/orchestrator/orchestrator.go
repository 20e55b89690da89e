// Package orchestrator drives the step state machine and protocol run
// lifecycle: engine resolution, prompt assembly, QA evaluation,
// feedback routing, and dependency-ordered step scheduling.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/artifacts"
	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/feedback"
	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/qa"
	"github.com/fyrsmithlabs/stepd/internal/queue"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// GateFactory builds the gate set for one step execution. The engine
// is the one resolved for the step, available to prompt-driven gates.
type GateFactory func(run *store.Run, step *store.Step, eng engine.Engine) []qa.Gate

// Options wires an Orchestrator's collaborators.
type Options struct {
	Store     store.Store
	Registry  *engine.Registry
	Queue     queue.Queue
	Artifacts *artifacts.Writer
	Config    *config.Config
	Logger    *logging.Logger
	Gates     GateFactory
}

// Orchestrator owns step and protocol state transitions. All side
// effects flow through the store, queue, and artifact writer.
type Orchestrator struct {
	store     store.Store
	registry  *engine.Registry
	queue     queue.Queue
	artifacts *artifacts.Writer
	cfg       *config.Config
	logger    *logging.Logger
	gates     GateFactory
	locks     *lockTable
	tracer    trace.Tracer

	stepsTotal metric.Int64Counter
	runsTotal  metric.Int64Counter
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine registry is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		store:     opts.Store,
		registry:  opts.Registry,
		queue:     opts.Queue,
		artifacts: opts.Artifacts,
		cfg:       opts.Config,
		logger:    logger.Named("orchestrator"),
		gates:     opts.Gates,
		locks:     newLockTable(),
		tracer:    otel.Tracer("stepd/orchestrator"),
	}
	if o.gates == nil {
		o.gates = o.defaultGates
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("stepd/orchestrator")
	var err error
	o.stepsTotal, err = meter.Int64Counter("orchestrator.steps",
		metric.WithDescription("Steps finished by terminal status"))
	if err != nil {
		o.logger.Warn(context.Background(), "failed to create orchestrator.steps counter", zap.Error(err))
	}
	o.runsTotal, err = meter.Int64Counter("orchestrator.runs",
		metric.WithDescription("Protocol runs finished by terminal status"))
	if err != nil {
		o.logger.Warn(context.Background(), "failed to create orchestrator.runs counter", zap.Error(err))
	}
}

// defaultGates assembles the standard gate set from configuration.
// Strict policy adds the coverage gate; the prompt gate joins when a
// reviewer template is configured.
func (o *Orchestrator) defaultGates(run *store.Run, step *store.Step, eng engine.Engine) []qa.Gate {
	qc := o.cfg.QA
	gates := []qa.Gate{
		&qa.TestGate{Command: splitCommand(qc.Commands["test"]), Timeout: qc.GateTimeout},
		&qa.LintGate{Command: splitCommand(qc.Commands["lint"]), Timeout: qc.GateTimeout},
		&qa.TypeGate{Command: splitCommand(qc.Commands["type"]), Timeout: qc.GateTimeout},
		&qa.FormatGate{Command: splitCommand(qc.Commands["format"]), Timeout: qc.GateTimeout},
		&qa.SecurityGate{},
	}
	if len(qc.RequiredFiles) > 0 || len(qc.RequiredPatterns) > 0 {
		gates = append(gates, &qa.ChecklistGate{
			RequiredFiles:    qc.RequiredFiles,
			RequiredPatterns: qc.RequiredPatterns,
		})
	}
	if o.resolvePolicy(step) == "strict" && qc.CoverageMin > 0 {
		gates = append(gates, &qa.CoverageGate{Minimum: qc.CoverageMin})
	}
	if qc.PromptTemplatePath != "" && eng != nil {
		gates = append(gates, &qa.PromptGate{
			Engine:     eng,
			PromptPath: qc.PromptTemplatePath,
			Model:      step.Model,
			Timeout:    qc.GateTimeout,
		})
	}
	if qc.ConstitutionPath != "" && eng != nil {
		gates = append(gates, &qa.PromptGate{
			Engine:     eng,
			PromptPath: qc.ConstitutionPath,
			Model:      step.Model,
			Timeout:    qc.GateTimeout,
			GateID:     "constitution",
			GateName:   "Constitution Review",
		})
	}
	return gates
}

// feedbackRoutes applies configured per-category attempt budgets over
// the default routing table. Unknown categories are ignored.
func (o *Orchestrator) feedbackRoutes() map[feedback.Category]feedback.Route {
	overrides := o.cfg.Feedback.MaxAttempts
	if len(overrides) == 0 {
		return nil
	}
	routes := feedback.DefaultRoutes()
	for name, attempts := range overrides {
		cat := feedback.Category(name)
		route, ok := routes[cat]
		if !ok {
			continue
		}
		route.MaxAttempts = attempts
		routes[cat] = route
	}
	return routes
}

// resolveEngine picks the engine in order: step override, run override,
// configured default.
func (o *Orchestrator) resolveEngine(run *store.Run, step *store.Step) (engine.Engine, error) {
	id := step.EngineID
	if id == "" {
		id = run.EngineID
	}
	if id == "" {
		id = o.cfg.Engines.Default
	}
	return o.registry.GetOrDefault(id)
}

// resolveModel picks the model in order: step, run, adapter default
// (empty string defers to the adapter).
func resolveModel(run *store.Run, step *store.Step) string {
	if step.Model != "" {
		return step.Model
	}
	return run.Model
}

// resolvePolicy picks the QA policy: step override, then config.
func (o *Orchestrator) resolvePolicy(step *store.Step) string {
	if step.QAPolicy != "" {
		return step.QAPolicy
	}
	return o.cfg.QA.Policy
}

// worktreeKey is the exclusivity key: the run's worktree if set, else
// its workspace.
func worktreeKey(run *store.Run) string {
	if run.WorktreePath != "" {
		return run.WorktreePath
	}
	return run.WorkspaceDir
}

// workspaceOf is where the engine executes and gates run.
func workspaceOf(run *store.Run) string {
	return worktreeKey(run)
}

func splitCommand(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// event appends a structured event, logging rather than failing the
// caller when the append cannot be persisted.
func (o *Orchestrator) event(ctx context.Context, runID, stepID, eventType, message string, metadata map[string]string) {
	err := o.store.AppendEvent(ctx, &store.Event{
		RunID:    runID,
		StepID:   stepID,
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
	if err != nil {
		o.logger.Warn(ctx, "failed to append event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (o *Orchestrator) countStep(ctx context.Context, status store.StepStatus) {
	if o.stepsTotal != nil {
		o.stepsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}
}

func (o *Orchestrator) countRun(ctx context.Context, status store.RunStatus) {
	if o.runsTotal != nil {
		o.runsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}
}
