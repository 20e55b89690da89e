package qa

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	maxFindingsPerGate = 50
	maxFindingMsgLen   = 200
)

var errToolMissing = errors.New("tool not installed")

// runTool executes a checker subprocess inside the workspace and captures
// combined output. A missing binary is reported as errToolMissing so
// gates can SKIP instead of ERROR.
func runTool(ctx context.Context, workspace string, timeout time.Duration, argv []string) (output string, exitCode int, err error) {
	if len(argv) == 0 {
		return "", 0, fmt.Errorf("empty command")
	}
	if _, lookErr := exec.LookPath(argv[0]); lookErr != nil {
		return "", 0, fmt.Errorf("%w: %s", errToolMissing, argv[0])
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workspace
	out, runErr := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded {
		return string(out), -1, fmt.Errorf("timed out after %ds", int(timeout.Seconds()))
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, runErr
	}
	return string(out), 0, nil
}

func fileExists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxFindingMsgLen {
		return s[:maxFindingMsgLen]
	}
	return s
}

// TestGate runs the project's test suite. Blocking.
type TestGate struct {
	Command []string
	Timeout time.Duration
}

func (g *TestGate) ID() string     { return "test" }
func (g *TestGate) Name() string   { return "Test Gate" }
func (g *TestGate) Blocking() bool { return true }

func (g *TestGate) detect(workspace string) []string {
	if len(g.Command) > 0 {
		return g.Command
	}
	switch {
	case fileExists(filepath.Join(workspace, "go.mod")):
		return []string{"go", "test", "./..."}
	case fileExists(filepath.Join(workspace, "pytest.ini"), filepath.Join(workspace, "pyproject.toml")):
		return []string{"pytest", "--tb=short", "-q"}
	case fileExists(filepath.Join(workspace, "package.json")):
		return []string{"npm", "test"}
	}
	return nil
}

func (g *TestGate) Run(ctx context.Context, gc Context) Result {
	cmd := g.detect(gc.WorkspaceRoot)
	if cmd == nil {
		return skipResult(g, "no test configuration found")
	}

	start := time.Now()
	out, code, err := runTool(ctx, gc.WorkspaceRoot, g.timeout(), cmd)
	if errors.Is(err, errToolMissing) {
		return skipResult(g, err.Error())
	}
	if err != nil {
		return errorResult(g, err.Error())
	}

	res := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Duration: time.Since(start),
		Metadata: map[string]string{"output": clip(out[:min(len(out), 1000)])},
	}
	if code == 0 {
		res.Verdict = VerdictPass
		return res
	}
	res.Verdict = VerdictFail
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "FAIL") || strings.Contains(line, "ERROR") {
			res.Findings = append(res.Findings, Finding{
				GateID:   g.ID(),
				Severity: "error",
				Message:  clip(line),
			})
			if len(res.Findings) >= 20 {
				break
			}
		}
	}
	if len(res.Findings) == 0 {
		res.Findings = append(res.Findings, Finding{
			GateID:   g.ID(),
			Severity: "error",
			Message:  fmt.Sprintf("tests exited with status %d", code),
		})
	}
	return res
}

func (g *TestGate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return 5 * time.Minute
}

// lintLine matches "path:line:col: message" style checker output.
var lintLine = regexp.MustCompile(`^(?P<path>[^\s:]+):(?P<line>\d+):(?:\d+:)?\s*(?P<msg>.+)$`)

// LintGate runs the project's linter. Advisory.
type LintGate struct {
	Command []string
	Timeout time.Duration
}

func (g *LintGate) ID() string     { return "lint" }
func (g *LintGate) Name() string   { return "Lint Gate" }
func (g *LintGate) Blocking() bool { return false }

func (g *LintGate) detect(workspace string) []string {
	if len(g.Command) > 0 {
		return g.Command
	}
	switch {
	case fileExists(filepath.Join(workspace, "go.mod")):
		return []string{"go", "vet", "./..."}
	case fileExists(filepath.Join(workspace, "pyproject.toml"), filepath.Join(workspace, "ruff.toml")):
		return []string{"ruff", "check", "."}
	case fileExists(filepath.Join(workspace, ".eslintrc.js"), filepath.Join(workspace, ".eslintrc.json")):
		return []string{"eslint", ".", "--format", "compact"}
	}
	return nil
}

func (g *LintGate) Run(ctx context.Context, gc Context) Result {
	cmd := g.detect(gc.WorkspaceRoot)
	if cmd == nil {
		return skipResult(g, "no linter configuration found")
	}

	start := time.Now()
	out, code, err := runTool(ctx, gc.WorkspaceRoot, g.timeout(), cmd)
	if errors.Is(err, errToolMissing) {
		return skipResult(g, err.Error())
	}
	if err != nil {
		return errorResult(g, err.Error())
	}

	findings := parseCheckerOutput(g.ID(), out)
	res := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Findings: findings,
		Duration: time.Since(start),
	}
	switch {
	case code == 0 && len(findings) == 0:
		res.Verdict = VerdictPass
	case len(findings) > 0 && hasErrorFinding(findings):
		res.Verdict = VerdictFail
	case len(findings) > 0:
		res.Verdict = VerdictWarn
	default:
		res.Verdict = VerdictFail
	}
	return res
}

func (g *LintGate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return 2 * time.Minute
}

// TypeGate runs the project's type checker. Advisory.
type TypeGate struct {
	Command []string
	Timeout time.Duration
}

func (g *TypeGate) ID() string     { return "type" }
func (g *TypeGate) Name() string   { return "Type Check Gate" }
func (g *TypeGate) Blocking() bool { return false }

func (g *TypeGate) detect(workspace string) []string {
	if len(g.Command) > 0 {
		return g.Command
	}
	switch {
	case fileExists(filepath.Join(workspace, "mypy.ini")):
		return []string{"mypy", "."}
	case fileExists(filepath.Join(workspace, "tsconfig.json")):
		return []string{"tsc", "--noEmit"}
	}
	return nil
}

func (g *TypeGate) Run(ctx context.Context, gc Context) Result {
	cmd := g.detect(gc.WorkspaceRoot)
	if cmd == nil {
		return skipResult(g, "no type checker configuration found")
	}

	start := time.Now()
	out, code, err := runTool(ctx, gc.WorkspaceRoot, g.timeout(), cmd)
	if errors.Is(err, errToolMissing) {
		return skipResult(g, err.Error())
	}
	if err != nil {
		return errorResult(g, err.Error())
	}

	findings := parseCheckerOutput(g.ID(), out)
	res := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Findings: findings,
		Duration: time.Since(start),
	}
	switch {
	case code == 0:
		res.Verdict = VerdictPass
	case len(findings) > 0:
		res.Verdict = VerdictWarn
	default:
		res.Verdict = VerdictFail
	}
	return res
}

func (g *TypeGate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return 3 * time.Minute
}

// FormatGate checks formatting without modifying files. Advisory.
type FormatGate struct {
	Command []string
	Timeout time.Duration
}

func (g *FormatGate) ID() string     { return "format" }
func (g *FormatGate) Name() string   { return "Formatting Gate" }
func (g *FormatGate) Blocking() bool { return false }

func (g *FormatGate) detect(workspace string) []string {
	if len(g.Command) > 0 {
		return g.Command
	}
	switch {
	case fileExists(filepath.Join(workspace, "go.mod")):
		return []string{"gofmt", "-l", "."}
	case fileExists(filepath.Join(workspace, "pyproject.toml"), filepath.Join(workspace, "ruff.toml")):
		return []string{"ruff", "format", "--check", "."}
	case fileExists(filepath.Join(workspace, "package.json")):
		return []string{"prettier", "--check", "."}
	}
	return nil
}

func (g *FormatGate) Run(ctx context.Context, gc Context) Result {
	cmd := g.detect(gc.WorkspaceRoot)
	if cmd == nil {
		return skipResult(g, "no formatter configuration found")
	}

	start := time.Now()
	out, code, err := runTool(ctx, gc.WorkspaceRoot, g.timeout(), cmd)
	if errors.Is(err, errToolMissing) {
		return skipResult(g, err.Error())
	}
	if err != nil {
		return errorResult(g, err.Error())
	}

	res := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Duration: time.Since(start),
	}
	// gofmt -l exits 0 but lists unformatted files.
	dirty := strings.TrimSpace(out)
	if code == 0 && dirty == "" {
		res.Verdict = VerdictPass
		return res
	}
	msg := dirty
	if msg == "" {
		msg = "formatting issues detected"
	}
	res.Verdict = VerdictWarn
	res.Findings = []Finding{{GateID: g.ID(), Severity: "warning", Message: clip(msg)}}
	return res
}

func (g *FormatGate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return 2 * time.Minute
}

// ChecklistGate verifies required files and glob patterns exist. Blocking.
type ChecklistGate struct {
	RequiredFiles    []string
	RequiredPatterns []string
}

func (g *ChecklistGate) ID() string     { return "checklist" }
func (g *ChecklistGate) Name() string   { return "Checklist Gate" }
func (g *ChecklistGate) Blocking() bool { return true }

func (g *ChecklistGate) Run(_ context.Context, gc Context) Result {
	start := time.Now()
	var findings []Finding

	for _, rel := range g.RequiredFiles {
		if !fileExists(filepath.Join(gc.WorkspaceRoot, rel)) {
			findings = append(findings, Finding{
				GateID:   g.ID(),
				Severity: "error",
				Message:  "missing required file: " + rel,
				FilePath: rel,
			})
		}
	}
	for _, pattern := range g.RequiredPatterns {
		matches, err := filepath.Glob(filepath.Join(gc.WorkspaceRoot, pattern))
		if err != nil {
			return errorResult(g, fmt.Sprintf("bad pattern %q: %v", pattern, err))
		}
		if len(matches) == 0 {
			findings = append(findings, Finding{
				GateID:   g.ID(),
				Severity: "error",
				Message:  "no files matching pattern: " + pattern,
			})
		}
	}

	verdict := VerdictPass
	if len(findings) > 0 {
		verdict = VerdictFail
	}
	return Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Verdict:  verdict,
		Findings: findings,
		Duration: time.Since(start),
	}
}

// CoverageGate checks coverage.xml against a minimum line rate. Blocking.
type CoverageGate struct {
	// Minimum is a fraction (0.6 means 60%).
	Minimum float64
	Paths   []string
}

func (g *CoverageGate) ID() string     { return "coverage" }
func (g *CoverageGate) Name() string   { return "Coverage Gate" }
func (g *CoverageGate) Blocking() bool { return true }

type coverageRoot struct {
	LineRate string `xml:"line-rate,attr"`
}

func (g *CoverageGate) Run(_ context.Context, gc Context) Result {
	candidates := g.Paths
	if len(candidates) == 0 {
		candidates = []string{
			filepath.Join(gc.WorkspaceRoot, "coverage.xml"),
			filepath.Join(gc.WorkspaceRoot, "coverage", "coverage.xml"),
		}
	}
	var path string
	for _, p := range candidates {
		if fileExists(p) {
			path = p
			break
		}
	}
	if path == "" {
		return skipResult(g, "coverage.xml not found")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return errorResult(g, fmt.Sprintf("read %s: %v", path, err))
	}
	var root coverageRoot
	if err := xml.Unmarshal(content, &root); err != nil {
		return errorResult(g, fmt.Sprintf("parse %s: %v", path, err))
	}
	if root.LineRate == "" {
		return errorResult(g, "coverage.xml missing line-rate")
	}
	rate, err := strconv.ParseFloat(root.LineRate, 64)
	if err != nil {
		return errorResult(g, fmt.Sprintf("bad line-rate %q", root.LineRate))
	}

	res := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Metadata: map[string]string{
			"coverage": fmt.Sprintf("%.1f%%", rate*100),
			"minimum":  fmt.Sprintf("%.1f%%", g.Minimum*100),
			"path":     path,
		},
	}
	if rate >= g.Minimum {
		res.Verdict = VerdictPass
		return res
	}
	res.Verdict = VerdictFail
	res.Findings = []Finding{{
		GateID:   g.ID(),
		Severity: "error",
		Message:  fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", rate*100, g.Minimum*100),
		FilePath: path,
	}}
	return res
}

func parseCheckerOutput(gateID, output string) []Finding {
	var findings []Finding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := lintLine.FindStringSubmatch(line); m != nil {
			lineNum, _ := strconv.Atoi(m[2])
			severity := "error"
			if strings.Contains(strings.ToLower(m[3]), "warning") {
				severity = "warning"
			}
			findings = append(findings, Finding{
				GateID:     gateID,
				Severity:   severity,
				Message:    clip(m[3]),
				FilePath:   m[1],
				LineNumber: lineNum,
			})
		} else if lower := strings.ToLower(line); strings.Contains(line, ":") &&
			(strings.Contains(lower, "error") || strings.Contains(lower, "warning")) {
			severity := "warning"
			if strings.Contains(lower, "error") {
				severity = "error"
			}
			findings = append(findings, Finding{GateID: gateID, Severity: severity, Message: clip(line)})
		}
		if len(findings) >= maxFindingsPerGate {
			break
		}
	}
	return findings
}

func hasErrorFinding(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return true
		}
	}
	return false
}
