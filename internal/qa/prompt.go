package qa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/stepd/internal/engine"
)

// verdictLine matches the trailing "Verdict: X" line a reviewer prompt
// is instructed to emit. WARNING/SKIPPED variants normalize to their
// short forms.
var verdictLine = regexp.MustCompile(`(?i)\bVerdict\s*:\s*(PASS|FAIL|WARN|WARNING|SKIP|SKIPPED|ERROR)\b`)

// PromptGate runs a reviewer prompt through an engine in read-only mode
// and parses the verdict from its output. Blocking. GateID/GateName
// default to the standard prompt review; a constitution or policy
// review is the same gate pointed at a different prompt.
type PromptGate struct {
	Engine     engine.Engine
	PromptPath string
	Model      string
	Timeout    time.Duration
	GateID     string
	GateName   string
}

func (g *PromptGate) ID() string {
	if g.GateID != "" {
		return g.GateID
	}
	return "prompt_qa"
}

func (g *PromptGate) Name() string {
	if g.GateName != "" {
		return g.GateName
	}
	return "Prompt QA"
}

func (g *PromptGate) Blocking() bool { return true }

func (g *PromptGate) Run(ctx context.Context, gc Context) Result {
	start := time.Now()

	if g.Engine == nil {
		return errorResult(g, "no QA engine configured")
	}
	header, err := os.ReadFile(g.PromptPath)
	if err != nil {
		return errorResult(g, fmt.Sprintf("QA prompt not found: %s", g.PromptPath))
	}
	if err := g.Engine.CheckAvailability(ctx); err != nil {
		return errorResult(g, fmt.Sprintf("QA engine unavailable: %v", err))
	}

	prompt := g.buildPrompt(string(header), gc)
	promptHash := sha256.Sum256([]byte(prompt))

	res, err := g.Engine.QA(ctx, engine.Request{
		Prompt:     prompt,
		Model:      g.Model,
		WorkingDir: gc.WorkspaceRoot,
		Timeout:    g.Timeout,
		Extra:      map[string]string{"sandbox": string(engine.SandboxReadOnly)},
	})
	if err != nil {
		return errorResult(g, err.Error())
	}

	out := strings.TrimSpace(res.Output)
	verdict := extractVerdict(out)

	result := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Verdict:  verdict,
		Duration: time.Since(start),
		Metadata: map[string]string{
			"prompt_path": g.PromptPath,
			"prompt_hash": hex.EncodeToString(promptHash[:])[:16],
			"engine_id":   res.EngineID,
			"model":       res.Model,
			"report_text": out,
		},
	}
	switch verdict {
	case VerdictFail:
		result.Findings = []Finding{{GateID: g.ID(), Severity: "error", Message: "prompt QA reported FAIL"}}
	case VerdictError:
		msg := res.Error
		if msg == "" {
			msg = "prompt QA reported ERROR"
		}
		result.Findings = []Finding{{GateID: g.ID(), Severity: "error", Message: clip(msg)}}
		result.Error = msg
	}
	return result
}

// buildPrompt assembles the reviewer context: the prompt header followed
// by the protocol documents, the step brief, and git state.
func (g *PromptGate) buildPrompt(header string, gc Context) string {
	stepName := gc.StepName
	if stepName == "" {
		stepName = "step"
	}

	sections := []string{
		header,
		"",
		"## plan.md",
		orMissing(readIfExists(filepath.Join(gc.ProtocolRoot, "plan.md"))),
		"",
		"## context.md",
		orMissing(readIfExists(filepath.Join(gc.ProtocolRoot, "context.md"))),
		"",
		"## log.md",
		orMissing(readIfExists(filepath.Join(gc.ProtocolRoot, "log.md"))),
		"",
		"## " + stepName + ".md",
		orMissing(readIfExists(filepath.Join(gc.ProtocolRoot, stepName+".md"))),
		"",
		"## git status",
		orMissing(gitStatus(gc.WorkspaceRoot)),
		"",
		"## last commit",
		orMissing(lastCommitMessage(gc.WorkspaceRoot)),
	}
	return strings.TrimSpace(strings.Join(sections, "\n"))
}

func readIfExists(path string) string {
	if path == "" {
		return ""
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(content)
}

func orMissing(s string) string {
	if strings.TrimSpace(s) == "" {
		return "MISSING"
	}
	return s
}

// gitStatus renders a porcelain-style summary of the worktree.
func gitStatus(workspace string) string {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return ""
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ""
	}
	status, err := wt.Status()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(status.String())
}

func lastCommitMessage(workspace string) string {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(commit.Message)
}

// extractVerdict parses the verdict line from reviewer output. Output
// without a verdict is treated as SKIP so a rambling reviewer never
// blocks a step.
func extractVerdict(text string) Verdict {
	m := verdictLine.FindStringSubmatch(text)
	if m == nil {
		return VerdictSkip
	}
	switch strings.ToUpper(m[1]) {
	case "PASS":
		return VerdictPass
	case "WARN", "WARNING":
		return VerdictWarn
	case "SKIP", "SKIPPED":
		return VerdictSkip
	case "ERROR":
		return VerdictError
	default:
		return VerdictFail
	}
}
