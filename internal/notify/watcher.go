// Package notify watches a directory tree for written files and reports
// them in batches once writes have settled.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must stay quiet before it is reported.
const DefaultDebounce = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	// Debounce delays a batch until no watched file changed for this long.
	Debounce time.Duration

	// Filter selects the files to report; nil reports every file.
	Filter func(path string) bool
}

// Watcher reports created or modified files under a root directory.
// Directories created after Run starts are watched too. Hidden files and
// directories are ignored.
type Watcher struct {
	root    string
	opts    Options
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for root. A nil logger means slog.Default().
func NewWatcher(root string, opts Options, logger *slog.Logger) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("notify: %s is not a directory", root)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, opts: opts, logger: logger}, nil
}

// Run watches until ctx is done and calls fn with each settled batch of
// paths, sorted. fn runs on the watch goroutine; events that arrive while
// it runs are batched for the next call.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context, paths []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer func() { _ = fw.Close() }()
	w.watcher = fw

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.logger.Info("watching for new writing", "dir", w.root)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if path, ok := w.handle(evt); ok {
				pending[path] = struct{}{}
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "dir", w.root, "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			fn(ctx, paths)
		}
	}
}

// handle returns the path of a file worth reporting. New directories are
// added to the watch as a side effect.
func (w *Watcher) handle(evt fsnotify.Event) (string, bool) {
	if hidden(filepath.Base(evt.Name)) {
		return "", false
	}
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
		return "", false
	}
	info, err := os.Stat(evt.Name)
	if err != nil {
		// removed or renamed before we looked
		return "", false
	}
	if info.IsDir() {
		if evt.Has(fsnotify.Create) {
			if err := w.addTree(evt.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", evt.Name, "error", err)
			}
		}
		return "", false
	}
	if w.opts.Filter != nil && !w.opts.Filter(evt.Name) {
		return "", false
	}
	return evt.Name, true
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("notify: watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
