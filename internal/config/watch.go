package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange each time the file at path is written, created or
// replaced, until ctx is done. The parent directory is watched so that
// editors which replace the file by rename are noticed.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func()) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				log.DebugContext(ctx, "config.change", slog.String("path", target), slog.String("op", ev.Op.String()))
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
		}
	}
}

// WatchLogLevel reloads the server config at path on change and applies its
// log level to lvl. Reload failures keep the current level.
func WatchLogLevel(ctx context.Context, path string, log *slog.Logger, lvl *slog.LevelVar, reload func(string) (string, error)) error {
	return Watch(ctx, path, log, func() {
		name, err := reload(path)
		if err != nil {
			log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
			return
		}
		next, err := ParseLevel(name)
		if err != nil {
			log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
			return
		}
		if next != lvl.Level() {
			lvl.Set(next)
			log.InfoContext(ctx, "config.log_level.change", slog.String("level", next.String()))
		}
	})
}
