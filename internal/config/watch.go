package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marcus/foreman/internal/logging"
)

// Watch reloads the configuration whenever one of its files changes and
// hands each valid new Config to apply. A reload that fails to load or
// validate is logged and skipped; the running config stays in effect.
// The watcher stops when ctx is cancelled.
func Watch(ctx context.Context, logger *logging.Logger, apply func(*Config)) error {
	if apply == nil {
		return fmt.Errorf("apply callback is required")
	}
	if logger == nil {
		logger = logging.Component("config")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	// Watch directories rather than files; most editors replace the file
	// on save, which would silently drop a file-level watch.
	added := 0
	if wd, err := os.Getwd(); err == nil && watcher.Add(wd) == nil {
		added++
	}
	if dir := filepath.Dir(ConfigFile()); dir != "." && watcher.Add(dir) == nil {
		added++
	}
	if added == 0 {
		_ = watcher.Close()
		return fmt.Errorf("no config directories to watch")
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isConfigFile(event.Name) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				cfg, err := Load()
				if err != nil {
					logger.Warnf("config reload skipped: %v", err)
					continue
				}
				logger.InfoCtx("config reloaded", map[string]any{"file": event.Name})
				apply(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("config watcher: %v", err)
			}
		}
	}()
	return nil
}

func isConfigFile(path string) bool {
	return filepath.Base(path) == ProjectConfigName || path == ConfigFile()
}
