package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the configuration whenever the config file changes and
// hands every valid result to onChange. Edits that fail to load are logged
// and skipped, so the last good configuration stays in effect. Watch
// blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if l.used == "" {
		l.used = findConfigFile(l.file)
	}
	if l.used == "" {
		return errors.New("no config file to watch")
	}
	target, err := filepath.Abs(l.used)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	reload := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := l.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous configuration", "file", target, "error", err)
				continue
			}
			logger.Info("config reloaded", "file", target)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
