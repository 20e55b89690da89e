package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/stepd/internal/feedback"
)

// buildStepPrompt assembles the execution prompt for a step from the
// protocol's plan.md plus the step's own markdown. The returned hash
// fingerprints the exact prompt sent, for the completion event.
func buildStepPrompt(protocolRoot, stepName string) (prompt, promptPath, promptHash string, err error) {
	var parts []string
	if plan, readErr := os.ReadFile(filepath.Join(protocolRoot, "plan.md")); readErr == nil {
		parts = append(parts, strings.TrimRight(string(plan), "\n"))
	}

	candidates := []string{
		filepath.Join(protocolRoot, stepName+".md"),
		filepath.Join(protocolRoot, "steps", stepName+".md"),
	}
	for _, candidate := range candidates {
		content, readErr := os.ReadFile(candidate)
		if readErr != nil {
			continue
		}
		parts = append(parts, strings.TrimRight(string(content), "\n"))
		promptPath = candidate
		break
	}
	if len(parts) == 0 {
		return "", "", "", fmt.Errorf("no prompt sources for step %q under %s", stepName, protocolRoot)
	}

	prompt = strings.Join(parts, "\n\n")
	sum := sha256.Sum256([]byte(prompt))
	return prompt, promptPath, hex.EncodeToString(sum[:])[:16], nil
}

// buildFixPrompts renders one combined auto-fix prompt for a batch of
// routed findings, including the offending file content where the
// finding names a file inside the workspace.
func buildFixPrompts(workspace string, routed []feedback.Routed) string {
	sections := make([]string, 0, len(routed))
	for _, r := range routed {
		var fileContent string
		if r.Finding.FilePath != "" {
			path := r.Finding.FilePath
			if !filepath.IsAbs(path) {
				path = filepath.Join(workspace, path)
			}
			if content, err := os.ReadFile(path); err == nil {
				fileContent = string(content)
			}
		}
		sections = append(sections, feedback.BuildFixPrompt(r, "", fileContent))
	}
	return strings.Join(sections, "\n\n---\n\n")
}
