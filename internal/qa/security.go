package qa

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/zricethezav/gitleaks/v8/detect"
)

const maxScanFileSize = 1 << 20 // 1MB

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// SecurityGate scans workspace files for leaked secrets with the
// Gitleaks SDK (800+ rules). Any finding fails the gate. Blocking.
type SecurityGate struct {
	// MaxFiles caps the number of files scanned per run.
	MaxFiles int
}

func (g *SecurityGate) ID() string     { return "security" }
func (g *SecurityGate) Name() string   { return "Security Gate" }
func (g *SecurityGate) Blocking() bool { return true }

func (g *SecurityGate) Run(ctx context.Context, gc Context) Result {
	start := time.Now()

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return errorResult(g, fmt.Sprintf("init detector: %v", err))
	}

	maxFiles := g.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 2000
	}

	var findings []Finding
	scanned := 0
	walkErr := filepath.WalkDir(gc.WorkspaceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if scanned >= maxFiles {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxScanFileSize {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if !utf8.Valid(content) {
			return nil
		}
		scanned++

		rel, _ := filepath.Rel(gc.WorkspaceRoot, path)
		for _, f := range detector.DetectString(string(content)) {
			findings = append(findings, Finding{
				GateID:     g.ID(),
				Severity:   "error",
				Message:    clip(fmt.Sprintf("potential secret (%s): %s", f.RuleID, f.Description)),
				FilePath:   rel,
				LineNumber: f.StartLine,
				RuleID:     f.RuleID,
			})
			if len(findings) >= maxFindingsPerGate {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil {
		return errorResult(g, walkErr.Error())
	}

	res := Result{
		GateID:   g.ID(),
		GateName: g.Name(),
		Findings: findings,
		Duration: time.Since(start),
		Metadata: map[string]string{"files_scanned": fmt.Sprintf("%d", scanned)},
	}
	if len(findings) > 0 {
		res.Verdict = VerdictFail
	} else {
		res.Verdict = VerdictPass
	}
	return res
}
