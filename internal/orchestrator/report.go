package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/qa"
	"github.com/fyrsmithlabs/stepd/internal/store"
)

// persistOutput writes execution stdout/stderr through the artifact
// writer and records an event pointing at the digests.
func (o *Orchestrator) persistOutput(ctx context.Context, run *store.Run, step *store.Step, res *engine.Result) {
	if o.artifacts == nil {
		return
	}
	metadata := map[string]string{
		"engine_id": res.EngineID,
		"exit_code": fmt.Sprintf("%d", res.ExitCode),
	}
	if res.Output != "" {
		if ref, err := o.artifacts.Write("step-output", []byte(res.Output)); err == nil {
			metadata["stdout_digest"] = ref.Digest
		} else {
			o.logger.Warn(ctx, "failed to persist step output", zap.Error(err))
		}
	}
	if res.Stderr != "" {
		if ref, err := o.artifacts.Write("step-stderr", []byte(res.Stderr)); err == nil {
			metadata["stderr_digest"] = ref.Digest
		} else {
			o.logger.Warn(ctx, "failed to persist step stderr", zap.Error(err))
		}
	}
	o.event(ctx, run.ID, step.ID, "step.output_persisted", "", metadata)
}

// writeQAReport renders the QA result as markdown plus a JSON sidecar
// and stores both as artifacts.
func (o *Orchestrator) writeQAReport(ctx context.Context, run *store.Run, step *store.Step, result qa.RunResult) {
	if o.artifacts == nil {
		return
	}
	report := renderQAReport(run, step, result)
	ref, err := o.artifacts.Write("qa-report", []byte(report))
	if err != nil {
		o.logger.Warn(ctx, "failed to persist qa report", zap.Error(err))
		return
	}
	metadata := map[string]string{
		"verdict":       string(result.Verdict),
		"report_digest": ref.Digest,
	}
	if raw, err := json.Marshal(result); err == nil {
		if jsonRef, err := o.artifacts.Write("qa-result", raw); err == nil {
			metadata["result_digest"] = jsonRef.Digest
		}
	}
	o.event(ctx, run.ID, step.ID, "qa.report", "", metadata)
}

func renderQAReport(run *store.Run, step *store.Step, result qa.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Quality Report: %s\n\n", step.Name)
	fmt.Fprintf(&b, "- Run: %s\n", run.ID)
	fmt.Fprintf(&b, "- Step: %s\n", step.ID)
	fmt.Fprintf(&b, "- Verdict: %s\n", strings.ToUpper(string(result.Verdict)))
	fmt.Fprintf(&b, "- Duration: %s\n\n", result.Duration)

	b.WriteString("## Gates\n\n")
	b.WriteString("| Gate | Verdict | Blocking | Findings |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, gr := range result.GateResults {
		fmt.Fprintf(&b, "| %s | %s | %t | %d |\n",
			gr.GateName, strings.ToUpper(string(gr.Verdict)), gr.Blocking, len(gr.Findings))
	}

	findings := result.AllFindings()
	if len(findings) > 0 {
		b.WriteString("\n## Findings\n\n")
		for _, f := range findings {
			loc := ""
			if f.FilePath != "" {
				loc = " " + f.FilePath
				if f.LineNumber > 0 {
					loc = fmt.Sprintf("%s:%d", loc, f.LineNumber)
				}
			}
			fmt.Fprintf(&b, "- [%s/%s]%s %s\n", f.GateID, f.Severity, loc, f.Message)
		}
	}
	return b.String()
}
