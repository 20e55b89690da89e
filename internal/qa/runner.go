package qa

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// RunResult is the aggregated outcome of a QA pass over one step.
type RunResult struct {
	StepID      string        `json:"step_id"`
	Verdict     Verdict       `json:"verdict"`
	GateResults []GateOutcome `json:"gate_results"`
	Duration    time.Duration `json:"duration"`
}

// GateOutcome pairs a gate result with the gate's blocking flag so
// downstream consumers don't need the gate instances.
type GateOutcome struct {
	Result
	Blocking bool `json:"blocking"`
}

// Passed reports whether the step may proceed.
func (r RunResult) Passed() bool { return r.Verdict.Passed() }

// AllFindings returns the union of findings across all gates, in gate
// order.
func (r RunResult) AllFindings() []Finding {
	var out []Finding
	for _, gr := range r.GateResults {
		out = append(out, gr.Findings...)
	}
	return out
}

// BlockingFindings returns findings from blocking gates whose verdict
// was FAIL or ERROR.
func (r RunResult) BlockingFindings() []Finding {
	var out []Finding
	for _, gr := range r.GateResults {
		if !gr.Blocking {
			continue
		}
		if gr.Verdict != VerdictFail && gr.Verdict != VerdictError {
			continue
		}
		out = append(out, gr.Findings...)
	}
	return out
}

// Runner executes a gate set against a step and aggregates the verdicts.
// A panicking gate is isolated to an ERROR result for that gate only.
type Runner struct {
	gates  []Gate
	logger *logging.Logger
	tracer trace.Tracer

	runsTotal    metric.Int64Counter
	gateVerdicts metric.Int64Counter
}

// NewRunner builds a runner over the given gates.
func NewRunner(gates []Gate, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		gates:  gates,
		logger: logger.Named("qa"),
		tracer: otel.Tracer("stepd/qa"),
	}
	r.initMetrics()
	return r
}

func (r *Runner) initMetrics() {
	meter := otel.Meter("stepd/qa")
	var err error
	r.runsTotal, err = meter.Int64Counter("qa.runs",
		metric.WithDescription("QA runs executed"))
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create qa.runs counter", zap.Error(err))
	}
	r.gateVerdicts, err = meter.Int64Counter("qa.gate.verdicts",
		metric.WithDescription("Gate verdicts by gate and verdict"))
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create qa.gate.verdicts counter", zap.Error(err))
	}
}

// Run executes every gate not named in skip and aggregates the worst
// verdict. An empty gate set aggregates to SKIP.
func (r *Runner) Run(ctx context.Context, gc Context, skip ...string) RunResult {
	ctx, span := r.tracer.Start(ctx, "qa.run")
	defer span.End()

	start := time.Now()
	skipSet := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipSet[id] = true
	}

	outcomes := make([]GateOutcome, 0, len(r.gates))
	for _, gate := range r.gates {
		var res Result
		if skipSet[gate.ID()] {
			res = skipResult(gate, "skipped by request")
		} else {
			res = r.runGate(ctx, gate, gc)
		}
		outcomes = append(outcomes, GateOutcome{Result: res, Blocking: gate.Blocking()})

		if r.gateVerdicts != nil {
			r.gateVerdicts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("gate", gate.ID()),
				attribute.String("verdict", string(res.Verdict)),
			))
		}
	}

	verdict := Aggregate(resultsOf(outcomes))
	duration := time.Since(start)

	if r.runsTotal != nil {
		r.runsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("verdict", string(verdict)),
		))
	}
	r.logger.Info(ctx, "qa run completed",
		zap.String("verdict", string(verdict)),
		zap.Int("gates", len(outcomes)),
		zap.Duration("duration", duration),
	)

	return RunResult{
		StepID:      gc.StepID,
		Verdict:     verdict,
		GateResults: outcomes,
		Duration:    duration,
	}
}

// runGate isolates panics so one broken gate cannot take down the run.
func (r *Runner) runGate(ctx context.Context, gate Gate, gc Context) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "gate panicked",
				zap.String("gate", gate.ID()),
				zap.Any("panic", rec),
			)
			res = errorResult(gate, fmt.Sprintf("gate panicked: %v", rec))
		}
	}()
	return gate.Run(ctx, gc)
}

// Aggregate folds gate results into one verdict, taking the worst.
// SKIP counts as PASS, so a non-empty set of skipped gates still lets
// the step proceed. Only an empty result set is SKIP.
func Aggregate(results []Result) Verdict {
	if len(results) == 0 {
		return VerdictSkip
	}
	worst := VerdictSkip
	for _, res := range results {
		if res.Verdict.rank() > worst.rank() {
			worst = res.Verdict
		}
	}
	if worst.rank() == 1 {
		return VerdictPass
	}
	return worst
}

func resultsOf(outcomes []GateOutcome) []Result {
	out := make([]Result, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Result
	}
	return out
}
