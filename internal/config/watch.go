package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads cfg in place whenever the file at path changes. Editors
// replace files rather than writing them, so the watch is on the parent
// directory. Returns once the watcher is registered; reloads continue
// until ctx is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	path = ExpandHome(path)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go watchLoop(ctx, watcher, absPath, cfg, log)
	log.Info("watching config file", "path", absPath)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, cfg *Config, log *slog.Logger) {
	defer watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Coalesce rapid rewrites into one reload.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				reload(path, cfg, log)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("config watcher error", "error", err)
		}
	}
}

func reload(path string, cfg *Config, log *slog.Logger) {
	fresh, err := Load(path)
	if err != nil {
		log.Error("config reload failed, keeping previous config", "path", path, "error", err)
		return
	}
	cfg.ReplaceFrom(fresh)
	log.Info("config reloaded", "path", path)
}
