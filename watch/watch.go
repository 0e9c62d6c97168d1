// Package watch implements SharpSync's local filesystem watcher: it feeds
// debounced local change notifications into a tracker.ChangeTracker.
// Grounded on this codebase's FileWatcher (internal/client/sync/file_watcher.go):
// rjeczalik/notify for the primary path, a stat-polling fallback for
// environments where the notify backend is unavailable, and the same
// debounce-then-ignore-check ordering so a local write caused by SharpSync's
// own download doesn't loop back as a spurious local change.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/tracker"
)

const (
	// DefaultIgnoreTimeout bounds how long an IgnoreOnce registration stays
	// armed waiting for the write it was registered for.
	DefaultIgnoreTimeout   = time.Second
	defaultCleanupInterval = 15 * time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	eventBufferSize        = 256
	pollInterval           = 250 * time.Millisecond
)

// Watcher watches a local directory tree and forwards debounced change
// notifications to a ChangeTracker.
type Watcher struct {
	root    string
	tracker *tracker.ChangeTracker
	filter  *filter.Filter
	logger  *slog.Logger

	rawEvents   chan notify.EventInfo
	usingNotify bool

	ignore   map[string]time.Time
	ignoreMu sync.RWMutex

	pendingEvents   map[string]notify.EventInfo
	eventTimers     map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	cleanupInterval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Watcher over root, forwarding surviving events (those that
// pass f) into tr.
func New(root string, tr *tracker.ChangeTracker, f *filter.Filter) *Watcher {
	if f == nil {
		f = filter.Default()
	}
	return &Watcher{
		root:            root,
		tracker:         tr,
		filter:          f,
		logger:          slog.Default(),
		ignore:          make(map[string]time.Time),
		pendingEvents:   make(map[string]notify.EventInfo),
		eventTimers:     make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
		cleanupInterval: defaultCleanupInterval,
		done:            make(chan struct{}),
	}
}

// SetDebounceTimeout overrides the default 50ms coalescing window.
func (w *Watcher) SetDebounceTimeout(d time.Duration) {
	w.debounceTimeout = d
}

// Start begins watching. It returns once the watch (or its polling
// fallback) and the supporting goroutines are running.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("watcher starting", "root", w.root)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)

	recursive := w.root + "/..."
	if err := notify.Watch(recursive, w.rawEvents, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		if fallbackErr := notify.Watch(w.root, w.rawEvents, notify.Create, notify.Write, notify.Remove, notify.Rename); fallbackErr != nil {
			w.logger.Warn("watcher notify backend unavailable; using polling fallback", "root", w.root, "error", err)
			w.wg.Add(1)
			go w.pollForChanges(ctx)
		} else {
			w.usingNotify = true
			w.logger.Warn("watcher recursive watch failed; using non-recursive watch", "root", w.root, "error", err)
		}
	} else {
		w.usingNotify = true
	}

	w.wg.Add(1)
	go w.filterEvents(ctx)

	w.wg.Add(1)
	go w.cleanupExpiredEntries(ctx)

	return nil
}

// Stop halts watching and waits for all goroutines to exit.
func (w *Watcher) Stop() {
	w.logger.Info("watcher stopping")
	close(w.done)
	if w.usingNotify && w.rawEvents != nil {
		notify.Stop(w.rawEvents)
	}
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// IgnoreOnce suppresses the next write notification for path, for
// DefaultIgnoreTimeout, so a write made on purpose into the watched tree is
// not reported back as a local change. The Engine's Executor does not call
// it; path is the absolute path the watcher reports.
func (w *Watcher) IgnoreOnce(path string) {
	w.IgnoreOnceWithTimeout(path, DefaultIgnoreTimeout)
}

// IgnoreOnceWithTimeout is IgnoreOnce with a caller-chosen timeout.
func (w *Watcher) IgnoreOnceWithTimeout(path string, timeout time.Duration) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[path] = time.Now().Add(timeout)
}

func (w *Watcher) isTemporarilyIgnored(path string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, exists := w.ignore[path]
	if !exists {
		return false
	}
	delete(w.ignore, path)
	return time.Now().Before(expiry)
}

type pollingEventInfo struct {
	path  string
	event notify.Event
}

func (e pollingEventInfo) Event() notify.Event { return e.event }
func (e pollingEventInfo) Path() string        { return e.path }
func (e pollingEventInfo) Sys() interface{}    { return nil }

type fileSig struct {
	modTime int64
	size    int64
	exists  bool
}

// pollForChanges is the fallback path for environments where the notify
// backend can't establish a watch at all (e.g. some sandboxed containers).
func (w *Watcher) pollForChanges(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	snapshot := make(map[string]fileSig)
	scan := func() {
		seen := make(map[string]bool)
		_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			seen[path] = true
			sig := fileSig{modTime: info.ModTime().UnixNano(), size: info.Size(), exists: true}
			prev, ok := snapshot[path]
			if !ok {
				snapshot[path] = sig
				w.emitRaw(pollingEventInfo{path: path, event: notify.Create})
				return nil
			}
			if prev != sig {
				snapshot[path] = sig
				w.emitRaw(pollingEventInfo{path: path, event: notify.Write})
			}
			return nil
		})
		for path := range snapshot {
			if !seen[path] {
				delete(snapshot, path)
				w.emitRaw(pollingEventInfo{path: path, event: notify.Remove})
			}
		}
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			scan()
		}
	}
}

func (w *Watcher) emitRaw(e notify.EventInfo) {
	select {
	case w.rawEvents <- e:
	default:
		w.logger.Warn("watcher raw event channel full, dropping event", "path", e.Path())
	}
}

// filterEvents debounces raw events and folds the survivors into the tracker.
func (w *Watcher) filterEvents(ctx context.Context) {
	defer func() {
		w.debounceMu.Lock()
		for path, timer := range w.eventTimers {
			timer.Stop()
			if event, exists := w.pendingEvents[path]; exists {
				w.flushLocked(path, event)
			}
		}
		w.debounceMu.Unlock()
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.rawEvents:
			if !ok {
				return
			}
			w.debounceEvent(event)
		}
	}
}

func (w *Watcher) debounceEvent(event notify.EventInfo) {
	path := event.Path()

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.eventTimers[path]; exists {
		timer.Stop()
		delete(w.eventTimers, path)
	}
	w.pendingEvents[path] = event
	w.eventTimers[path] = time.AfterFunc(w.debounceTimeout, func() {
		w.flushEvent(path)
	})
}

func (w *Watcher) flushEvent(path string) {
	w.debounceMu.Lock()
	event, exists := w.pendingEvents[path]
	if !exists {
		w.debounceMu.Unlock()
		return
	}
	delete(w.pendingEvents, path)
	delete(w.eventTimers, path)
	w.debounceMu.Unlock()

	w.flushLocked(path, event)
}

// flushLocked translates a debounced notify event into a tracker
// notification. It is called from the debounce timer (after w.debounceMu is
// released) and from filterEvents' shutdown drain (with w.debounceMu held);
// it never takes w.debounceMu itself.
func (w *Watcher) flushLocked(path string, event notify.EventInfo) {
	if w.isTemporarilyIgnored(path) {
		return
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if !w.filter.ShouldSync(rel) {
		return
	}

	info, statErr := os.Stat(path)
	if statErr != nil || os.IsNotExist(statErr) {
		if err := w.tracker.NotifyLocal(model.Path(rel), model.ChangeDeleted, 0, false); err != nil {
			w.logger.Warn("watcher notify failed", "path", rel, "error", err)
		}
		return
	}

	changeType := model.ChangeChanged
	if event.Event() == notify.Create {
		changeType = model.ChangeCreated
	}
	if err := w.tracker.NotifyLocal(model.Path(rel), changeType, info.Size(), info.IsDir()); err != nil {
		w.logger.Warn("watcher notify failed", "path", rel, "error", err)
	}
}

func (w *Watcher) cleanupExpiredEntries(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.ignoreMu.Lock()
			now := time.Now()
			for path, expiry := range w.ignore {
				if now.After(expiry) {
					delete(w.ignore, path)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
