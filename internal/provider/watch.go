package provider

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// SchemaWatcher hot-reloads provider schema definitions when their files
// change. Only schemas reload; factories and transports are fixed at startup.
type SchemaWatcher struct {
	dir      string
	registry *Registry
	logger   *slog.Logger
}

func NewSchemaWatcher(dir string, registry *Registry, logger *slog.Logger) *SchemaWatcher {
	return &SchemaWatcher{dir: dir, registry: registry, logger: logger}
}

func (w *SchemaWatcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.dir); os.IsNotExist(err) {
		w.logger.Info("schema watcher disabled, directory missing", "dir", w.dir)
		<-ctx.Done()
		return nil
	}

	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fileWatcher.Close()

	if err := fileWatcher.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("schema watcher started", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("schema watcher stopped")
			return nil
		case event := <-fileWatcher.Events:
			w.handleEvent(event)
		case err := <-fileWatcher.Errors:
			if err != nil {
				w.logger.Error("schema watcher error", "error", err)
			}
		}
	}
}

func (w *SchemaWatcher) handleEvent(event fsnotify.Event) {
	if !isSchemaFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	name, schema, err := LoadSchemaFile(event.Name)
	if err != nil {
		w.logger.Error("schema reload failed", "path", event.Name, "error", err)
		return
	}
	w.registry.ReloadSchema(name, schema)
	w.logger.Info("provider schema reloaded", "provider", name, "path", filepath.Base(event.Name))
}
