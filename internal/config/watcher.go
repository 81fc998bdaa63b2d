package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a watched file must stay quiet before a change
// is reported. An atomic rewrite lands as several events in a few
// milliseconds.
const DefaultSettle = 100 * time.Millisecond

// FileChange reports that a watched file was written or replaced.
type FileChange struct {
	Path string
	At   time.Time
}

// Watcher reports settled changes to a fixed set of files, such as the
// credential file rewritten by `ccmob token rotate` or by hand. Parent
// directories are watched so a file replaced by rename is still observed.
type Watcher struct {
	settle time.Duration
	logger *slog.Logger
	paths  map[string]struct{}

	changes chan FileChange

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

func NewWatcher(logger *slog.Logger, paths ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		settle:  DefaultSettle,
		logger:  logger,
		paths:   make(map[string]struct{}, len(paths)),
		changes: make(chan FileChange, 8),
		pending: make(map[string]*time.Timer),
	}
	for _, p := range paths {
		w.paths[filepath.Clean(p)] = struct{}{}
	}
	return w
}

// SetSettle overrides DefaultSettle. Call before Start.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// Events delivers one FileChange per burst of writes. It is closed once the
// watcher stops.
func (w *Watcher) Events() <-chan FileChange {
	return w.changes
}

// Start watches until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := make(map[string]struct{})
	for p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return err
		}
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.stop()
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if _, watched := w.paths[path]; !watched || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("watched file touched", "path", path, "op", ev.Op.String())
			w.schedule(path)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() { w.emit(path) })
}

func (w *Watcher) emit(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
	if w.closed {
		return
	}
	select {
	case w.changes <- FileChange{Path: path, At: time.Now()}:
	default:
		w.logger.Warn("file change dropped; consumer is behind", "path", path)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.closed = true
	close(w.changes)
}
