// Package artifacts stores run outputs as content-addressed files
// under a root directory, keyed by the SHA-256 of their contents.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ref identifies one stored artifact.
type Ref struct {
	// Digest is the hex SHA-256 of the content.
	Digest string
	// Kind tags the artifact (qa-report, step-output, fix-prompt).
	Kind string
	// Path is the absolute location on disk.
	Path string
	// Size is the content length in bytes.
	Size int64
	// StoredAt is when the artifact was written.
	StoredAt time.Time
}

// Writer persists artifacts under root/<kind>/<digest[:2]>/<digest>.
type Writer struct {
	root string
}

func NewWriter(root string) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("artifacts root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Writer{root: root}, nil
}

// Write stores content and returns its reference. Writing identical
// content twice is idempotent.
func (w *Writer) Write(kind string, content []byte) (Ref, error) {
	kind = sanitizeKind(kind)
	if kind == "" {
		return Ref{}, fmt.Errorf("artifact kind is required")
	}
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(w.root, kind, digest[:2])
	path := filepath.Join(dir, digest)

	ref := Ref{Digest: digest, Kind: kind, Path: path, Size: int64(len(content)), StoredAt: time.Now().UTC()}

	if info, err := os.Stat(path); err == nil {
		ref.StoredAt = info.ModTime().UTC()
		return ref, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create artifact dir: %w", err)
	}
	// Write via a temp file so readers never observe a partial artifact.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("finalize artifact: %w", err)
	}
	return ref, nil
}

// Read returns the content for a digest within a kind.
func (w *Writer) Read(kind, digest string) ([]byte, error) {
	kind = sanitizeKind(kind)
	if len(digest) < 3 {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}
	content, err := os.ReadFile(filepath.Join(w.root, kind, digest[:2], digest))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return content, nil
}

// List returns the digests stored under a kind, sorted.
func (w *Writer) List(kind string) ([]string, error) {
	kind = sanitizeKind(kind)
	var digests []string
	base := filepath.Join(w.root, kind)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(base, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		for _, f := range files {
			if !f.IsDir() && !strings.HasPrefix(f.Name(), ".tmp-") {
				digests = append(digests, f.Name())
			}
		}
	}
	sort.Strings(digests)
	return digests, nil
}

func sanitizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, kind)
}
