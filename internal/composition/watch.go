package composition

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ksi-project/ksid/internal/observability"
)

// Watcher re-indexes composition files incrementally as they change on
// disk, so an edited component is visible to the next composition:get
// without a full rebuild.
type Watcher struct {
	index  *Index
	logger *observability.Logger
	fs     *fsnotify.Watcher
}

// NewWatcher starts watching every directory under root. Subdirectories
// created later are added as their create events arrive.
func NewWatcher(root string, index *Index, logger *observability.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{index: index, logger: logger, fs: fsw}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, the rest still watches
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		return nil
	})
}

// Run consumes filesystem events until ctx is cancelled. Writes and
// creates trigger IndexFile; new directories join the watch set.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Warn(ctx, "composition watcher error", "error", err.Error())
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		// A new directory needs watching; Add on a file is a no-op error
		// we can ignore.
		_ = w.fs.Add(ev.Name)
	}
	if !hasCompositionExt(ev.Name) {
		return
	}
	changed, err := w.index.IndexFile(ev.Name)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn(ctx, "composition re-index failed", "path", ev.Name, "error", err.Error())
		}
		return
	}
	if changed && w.logger != nil {
		w.logger.Debug(ctx, "composition re-indexed", "path", ev.Name)
	}
}
