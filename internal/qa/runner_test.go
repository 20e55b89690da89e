package qa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedGate returns a canned result.
type fixedGate struct {
	id       string
	verdict  Verdict
	blocking bool
	findings []Finding
	panics   bool
}

func (g *fixedGate) ID() string     { return g.id }
func (g *fixedGate) Name() string   { return g.id }
func (g *fixedGate) Blocking() bool { return g.blocking }
func (g *fixedGate) Run(_ context.Context, _ Context) Result {
	if g.panics {
		panic("gate exploded")
	}
	return Result{GateID: g.id, GateName: g.id, Verdict: g.verdict, Findings: g.findings}
}

func TestAggregateWorstOf(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []Verdict
		want     Verdict
	}{
		{"empty is skip", nil, VerdictSkip},
		{"all skip passes", []Verdict{VerdictSkip, VerdictSkip}, VerdictPass},
		{"pass and skip", []Verdict{VerdictPass, VerdictSkip}, VerdictPass},
		{"warn wins over pass", []Verdict{VerdictPass, VerdictWarn}, VerdictWarn},
		{"fail wins over warn", []Verdict{VerdictWarn, VerdictFail, VerdictPass}, VerdictFail},
		{"error wins over fail", []Verdict{VerdictFail, VerdictError}, VerdictError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]Result, len(tt.verdicts))
			for i, v := range tt.verdicts {
				results[i] = Result{Verdict: v}
			}
			assert.Equal(t, tt.want, Aggregate(results))

			// Order independence.
			for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
				results[i], results[j] = results[j], results[i]
			}
			assert.Equal(t, tt.want, Aggregate(results))
		})
	}
}

func TestRunnerAggregatesAndRecordsBlocking(t *testing.T) {
	runner := NewRunner([]Gate{
		&fixedGate{id: "test", verdict: VerdictFail, blocking: true, findings: []Finding{
			{GateID: "test", Severity: "error", Message: "TestFoo failed"},
		}},
		&fixedGate{id: "lint", verdict: VerdictFail, blocking: false, findings: []Finding{
			{GateID: "lint", Severity: "error", Message: "unused import"},
		}},
		&fixedGate{id: "format", verdict: VerdictWarn, blocking: false},
	}, nil)

	res := runner.Run(context.Background(), Context{StepID: "s1"})

	assert.Equal(t, VerdictFail, res.Verdict)
	assert.False(t, res.Passed())
	assert.Len(t, res.AllFindings(), 2)

	blocking := res.BlockingFindings()
	require.Len(t, blocking, 1)
	assert.Equal(t, "test", blocking[0].GateID)
}

func TestRunnerIsolatesPanics(t *testing.T) {
	runner := NewRunner([]Gate{
		&fixedGate{id: "boom", panics: true, blocking: true},
		&fixedGate{id: "ok", verdict: VerdictPass},
	}, nil)

	res := runner.Run(context.Background(), Context{})

	require.Len(t, res.GateResults, 2)
	assert.Equal(t, VerdictError, res.GateResults[0].Verdict)
	assert.Contains(t, res.GateResults[0].Error, "gate panicked")
	assert.Equal(t, VerdictPass, res.GateResults[1].Verdict)
	assert.Equal(t, VerdictError, res.Verdict)
}

func TestRunnerSkipList(t *testing.T) {
	runner := NewRunner([]Gate{
		&fixedGate{id: "test", verdict: VerdictFail, blocking: true},
		&fixedGate{id: "lint", verdict: VerdictPass},
	}, nil)

	res := runner.Run(context.Background(), Context{}, "test")

	assert.Equal(t, VerdictPass, res.Verdict)
	assert.Equal(t, VerdictSkip, res.GateResults[0].Verdict)
	assert.Empty(t, res.BlockingFindings())
}

func TestRunnerAllGatesSkippedPasses(t *testing.T) {
	runner := NewRunner([]Gate{
		&fixedGate{id: "test", verdict: VerdictSkip},
	}, nil)

	res := runner.Run(context.Background(), Context{StepID: "s1"})

	assert.Equal(t, VerdictPass, res.Verdict)
	assert.True(t, res.Passed())
}

func TestRunnerEmptyGateSetIsSkip(t *testing.T) {
	runner := NewRunner(nil, nil)
	res := runner.Run(context.Background(), Context{})
	assert.Equal(t, VerdictSkip, res.Verdict)
	assert.True(t, res.Passed())
}
