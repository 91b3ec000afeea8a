package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches the burst of events an editor produces on save.
const watchDebounce = 200 * time.Millisecond

// Watch runs the jobs, then reloads the lattice and runs them again every
// time a lattice file changes, until ctx is cancelled. Failed reloads and
// runs are logged and keep the previous environment.
func (a *App) Watch(ctx context.Context) error {
	ctx, reporter, stop, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	root := filepath.Clean(a.config.LatticePath)
	if err := addWatches(watcher, root); err != nil {
		return err
	}
	a.logger.Info("👀 Watching lattice for changes.", "path", root)

	if err := a.runJobs(ctx, reporter); err != nil {
		a.logger.Error("Run failed.", "error", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("👋 Watch stopped.")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addWatches(watcher, ev.Name); err != nil {
						a.logger.Warn("Watching new directory failed.", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !relevantEvent(root, ev) {
				continue
			}
			a.logger.Debug("Lattice file changed.", "path", ev.Name, "op", ev.Op.String())
			pending = time.After(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("Watcher error.", "error", err)

		case <-pending:
			pending = nil
			if err := a.reload(ctx); err != nil {
				a.logger.Error("Reload failed, keeping previous environment.", "error", err)
				continue
			}
			if err := a.runJobs(ctx, reporter); err != nil {
				a.logger.Error("Run failed.", "error", err)
			}
		}
	}
}

// addWatches watches root, or every directory below it. A file is watched
// through its parent directory so editors that replace files on save are
// still seen.
func addWatches(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("lattice path %s: %w", root, err)
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func relevantEvent(root string, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		return name == root
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hcl", ".yaml", ".yml":
		return true
	}
	return false
}
