package schema

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the registry from path whenever the file changes, until ctx
// is done. The parent directory is watched so editors that replace the file
// through a rename are picked up. A document that fails to load or validate
// is logged and the previous definitions stay in place.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving schema path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating schema watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}

		case <-pending:
			pending = nil
			r.reload(abs, logger)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("schema watcher error", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) reload(path string, logger *slog.Logger) {
	doc, err := LoadFile(path)
	if err == nil {
		err = r.Replace(doc)
	}
	if err != nil {
		logger.Error("schema reload failed, keeping previous definitions",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	logger.Info("schema reloaded",
		slog.String("path", path),
		slog.Int("kinds", len(doc.Kinds)))
}
