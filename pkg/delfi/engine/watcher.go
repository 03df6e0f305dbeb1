// Package engine – watcher.go watches the knowledge folder and
// triggers a reindex when documents change. Events are debounced so
// a burst of writes from an editor save or rsync costs one reindex.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reindexes the knowledge folder when .txt or .md files
// change on disk.
type Watcher struct {
	folder   string
	debounce time.Duration
	engine   *Engine
	logger   *slog.Logger
}

// NewWatcher creates a folder watcher. A debounce of zero falls back
// to two seconds.
func NewWatcher(folder string, debounce time.Duration, engine *Engine, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		folder:   folder,
		debounce: debounce,
		engine:   engine,
		logger:   logger.With("component", "watcher"),
	}
}

// Run blocks watching the folder until the context is cancelled.
// Subdirectories are watched too, including ones created later.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.folder); err != nil {
		// Folder may not exist yet. Keep running so a later mkdir
		// plus reindex pass picks it up.
		w.logger.Warn("initial watch failed", "folder", w.folder, "error", err)
	} else {
		w.logger.Info("watching knowledge folder", "folder", w.folder)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fsw.Add(event.Name); err == nil {
						w.logger.Debug("watching new subfolder", "folder", event.Name)
					}
					pending = time.After(w.debounce)
					continue
				}
			}
			if !watchableFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("knowledge file changed", "file", filepath.Base(event.Name), "op", event.Op.String())
			pending = time.After(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-pending:
			pending = nil
			indexed, err := w.engine.Reindex(ctx)
			if err != nil {
				w.logger.Error("reindex after change failed", "error", err)
			} else if indexed > 0 {
				w.logger.Info("knowledge reindexed", "files", indexed)
			}
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

func watchableFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".txt" || ext == ".md"
}
