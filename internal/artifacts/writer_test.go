package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	content := []byte("verdict: pass\n")
	ref, err := w.Write("qa-report", content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.Digest)
	assert.Equal(t, "qa-report", ref.Kind)
	assert.EqualValues(t, len(content), ref.Size)

	got, err := w.Read("qa-report", ref.Digest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	a, err := w.Write("step-output", []byte("same"))
	require.NoError(t, err)
	b, err := w.Write("step-output", []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Path, b.Path)

	digests, err := w.List("step-output")
	require.NoError(t, err)
	assert.Equal(t, []string{a.Digest}, digests)
}

func TestListEmptyKind(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	digests, err := w.List("missing")
	require.NoError(t, err)
	assert.Empty(t, digests)
}

func TestKindSanitized(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	ref, err := w.Write("QA Report/../x", []byte("x"))
	require.NoError(t, err)
	assert.NotContains(t, ref.Kind, "/")
	assert.NotContains(t, ref.Kind, "..")

	_, err = w.Write("", []byte("x"))
	assert.Error(t, err)
}
