package tracer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/overlap-sh/cli/cmd/overlap/cli/logging"
)

// watchDebounce coalesces the write bursts agents produce while streaming a
// turn into the journal. The timer resets on every write, so a file is
// surfaced once the burst goes quiet rather than once per appended line.
const watchDebounce = 500 * time.Millisecond

// watcher tails a journal root recursively and reports settled files on the
// changes channel. Paths may be announced more than once; the consumer is
// expected to dedup via its own offsets.
type watcher struct {
	fs        *fsnotify.Watcher
	extension string
	changes   chan<- string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newWatcher(root, extension string, changes chan<- string) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fs:        fsw,
		extension: extension,
		changes:   changes,
		timers:    make(map[string]*time.Timer),
	}
	if err := w.addTree(root, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers every directory under root. With announce set, matching
// files already present are signaled too: a directory created moments ago
// may have received writes before our watch landed.
func (w *watcher) addTree(root string, announce bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return w.fs.Add(path)
		}
		if announce && strings.HasSuffix(path, w.extension) {
			w.debounce(path)
		}
		return nil
	})
}

func (w *watcher) run(ctx context.Context) {
	logCtx := logging.WithComponent(ctx, "watcher")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(logCtx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Warn(logCtx, "watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				logging.Warn(ctx, "watching new directory failed", slog.String("error", err.Error()))
			}
			return
		}
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}
	if !strings.HasSuffix(ev.Name, w.extension) {
		return
	}
	w.debounce(ev.Name)
}

func (w *watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.timers[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		select {
		case w.changes <- path:
		default:
			// Channel full: the pending notifications will re-surface this
			// file on its next write, and offsets only advance after a read.
		}
	})
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	_ = w.fs.Close()
}
