package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// Manifest is the on-disk engine declaration file (agents.yaml).
type Manifest struct {
	Default string          `koanf:"default"`
	Engines []ManifestEntry `koanf:"engines"`
}

// ManifestEntry declares one engine to register.
type ManifestEntry struct {
	ID      string `koanf:"id"`
	Model   string `koanf:"model"`
	Binary  string `koanf:"binary"`
	Enabled *bool  `koanf:"enabled"`
}

// Bootstrap builds a registry with the standard engine set. The noop
// engine is always registered first so the registry is never empty;
// the default is then promoted to the first available engine in
// preference order (configured default, codex, claude-code, opencode).
func Bootstrap(ctx context.Context, cfg config.EnginesConfig, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	reg := NewRegistry()

	if err := reg.Register(NewNoop(), AsDefault()); err != nil {
		return nil, err
	}
	if err := reg.Register(NewCodex(cfg.Codex.Binary, cfg.Codex.Model, cfg.CommandTimeout, logger)); err != nil {
		return nil, err
	}
	if err := reg.Register(NewClaude(cfg.Claude.Binary, cfg.Claude.Model, cfg.CommandTimeout, logger)); err != nil {
		return nil, err
	}
	if err := reg.Register(NewOpenCode(cfg.OpenCode, logger)); err != nil {
		return nil, err
	}

	if cfg.ManifestPath != "" {
		if err := ApplyManifest(cfg, reg, logger); err != nil {
			return nil, fmt.Errorf("apply engine manifest: %w", err)
		}
	}

	promoteDefault(ctx, reg, cfg.Default)

	logger.Info(ctx, "engines bootstrapped",
		zap.Int("count", len(reg.ListMetadata())),
		zap.String("default", reg.DefaultID()),
	)
	return reg, nil
}

// promoteDefault picks the first available engine in preference order.
// The noop engine stays default when nothing else is usable.
func promoteDefault(ctx context.Context, reg *Registry, preferred string) {
	candidates := []string{preferred, "codex", "claude-code", "opencode", "noop"}
	for _, id := range candidates {
		if id == "" || !reg.Has(id) {
			continue
		}
		e, err := reg.Get(id)
		if err != nil {
			continue
		}
		if id == "noop" || e.CheckAvailability(ctx) == nil {
			_ = reg.SetDefault(id)
			return
		}
	}
}

// ApplyManifest loads the manifest file and re-registers the engines it
// declares, replacing prior registrations of the same ID.
func ApplyManifest(cfg config.EnginesConfig, reg *Registry, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	content, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", cfg.ManifestPath, err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return fmt.Errorf("unmarshal manifest: %w", err)
	}

	for _, entry := range m.Engines {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		var e Engine
		switch entry.ID {
		case "codex":
			e = NewCodex(entry.Binary, entry.Model, cfg.CommandTimeout, logger)
		case "claude-code":
			e = NewClaude(entry.Binary, entry.Model, cfg.CommandTimeout, logger)
		case "opencode":
			api := cfg.OpenCode
			if entry.Model != "" {
				api.Model = entry.Model
			}
			e = NewOpenCode(api, logger)
		default:
			logger.Warn(context.Background(), "unknown engine in manifest, skipping",
				zap.String("engine_id", entry.ID))
			continue
		}
		if err := reg.Register(e, WithReplace()); err != nil {
			return err
		}
	}

	if m.Default != "" && reg.Has(m.Default) {
		if err := reg.SetDefault(m.Default); err != nil {
			return err
		}
	}
	return nil
}

// WatchManifest re-applies the manifest whenever the file changes.
// Blocks until ctx is cancelled.
func WatchManifest(ctx context.Context, cfg config.EnginesConfig, reg *Registry, logger *logging.Logger) error {
	if cfg.ManifestPath == "" {
		return fmt.Errorf("manifest path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors replace files rather than writing
	// in place, which drops watches on the file itself.
	if err := watcher.Add(filepath.Dir(cfg.ManifestPath)); err != nil {
		return fmt.Errorf("watch manifest dir: %w", err)
	}

	target := filepath.Clean(cfg.ManifestPath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := ApplyManifest(cfg, reg, logger); err != nil {
				logger.Warn(ctx, "manifest reload failed", zap.Error(err))
				continue
			}
			logger.Info(ctx, "engine manifest reloaded",
				zap.String("path", cfg.ManifestPath),
				zap.String("default", reg.DefaultID()),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "manifest watcher error", zap.Error(err))
		}
	}
}
