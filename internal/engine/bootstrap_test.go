package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/config"
)

func TestBootstrapRegistersStandardSet(t *testing.T) {
	reg, err := Bootstrap(context.Background(), config.EnginesConfig{}, nil)
	require.NoError(t, err)

	for _, id := range []string{"noop", "codex", "claude-code", "opencode"} {
		assert.True(t, reg.Has(id), "expected %s registered", id)
	}
	assert.NotEmpty(t, reg.DefaultID())
}

func TestBootstrapNoopAlwaysUsable(t *testing.T) {
	// With nothing installed and no API key the default falls through
	// to noop, which keeps GetDefault usable.
	reg, err := Bootstrap(context.Background(), config.EnginesConfig{
		Codex:  config.CodexConfig{Binary: "no-such-codex-binary"},
		Claude: config.ClaudeConfig{Binary: "no-such-claude-binary"},
		OpenCode: config.APIConfig{
			APIKeyEnv: "STEPD_TEST_UNSET_KEY_XYZ",
		},
	}, nil)
	require.NoError(t, err)

	def, err := reg.GetDefault()
	require.NoError(t, err)
	assert.Equal(t, "noop", def.Metadata().ID)
}

func TestApplyManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: claude-code
engines:
  - id: codex
    model: o3
  - id: claude-code
    model: claude-opus-4-20250514
  - id: mystery-engine
    model: whatever
  - id: opencode
    enabled: false
`), 0600))

	reg := NewRegistry()
	require.NoError(t, reg.Register(NewNoop(), AsDefault()))

	err := ApplyManifest(config.EnginesConfig{ManifestPath: path}, reg, nil)
	require.NoError(t, err)

	codex, err := reg.Get("codex")
	require.NoError(t, err)
	assert.Equal(t, "o3", codex.Metadata().DefaultModel)

	assert.True(t, reg.Has("claude-code"))
	assert.False(t, reg.Has("mystery-engine"))
	assert.False(t, reg.Has("opencode"))
	assert.Equal(t, "claude-code", reg.DefaultID())
}

func TestApplyManifestMissingFile(t *testing.T) {
	reg := NewRegistry()
	err := ApplyManifest(config.EnginesConfig{ManifestPath: "/does/not/exist.yaml"}, reg, nil)
	require.Error(t, err)
}
