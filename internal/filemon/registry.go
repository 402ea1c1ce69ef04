package filemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/puzpuzpuz/xsync/v3"

	"filemon/internal/model"
)

// Registry owns one native watch and one consumer goroutine per watched path.
// Register and Unregister are safe for concurrent use.
type Registry struct {
	store    SnapshotStore
	reader   FileReader
	logger   Logger
	clock    Clock
	debounce time.Duration
	handles  *xsync.MapOf[string, *watchHandle]
}

// watchHandle is the runtime state of one watched path.
type watchHandle struct {
	path    string
	watcher *fsnotify.Watcher
	stopped chan struct{}
}

// NewRegistry creates an empty registry. With debounce > 0, a burst of events
// for one file is processed once, debounce after the last event.
func NewRegistry(store SnapshotStore, reader FileReader, logger Logger, clock Clock, debounce time.Duration) *Registry {
	return &Registry{
		store:    store,
		reader:   reader,
		logger:   logger,
		clock:    clock,
		debounce: debounce,
		handles:  xsync.NewMapOf[string, *watchHandle](),
	}
}

// Register starts watching sub.FilePath. If the path is already watched this
// is a no-op. Otherwise a native watch is opened on the parent directory, the
// file's current state is recorded so the first delta has an anchor, and a
// consumer goroutine is started.
//
// Failures are returned as *WatchRegistrationError and leave nothing behind.
func (r *Registry) Register(ctx context.Context, sub *model.Subscription) error {
	path, err := filepath.Abs(sub.FilePath)
	if err != nil {
		return &WatchRegistrationError{Path: sub.FilePath, Err: err}
	}

	var regErr error
	r.handles.Compute(path, func(existing *watchHandle, loaded bool) (*watchHandle, bool) {
		if loaded {
			return existing, false
		}
		h, err := r.startWatch(ctx, path)
		if err != nil {
			regErr = err
			return nil, true
		}
		return h, false
	})
	return regErr
}

// startWatch is called with the map entry for path locked.
func (r *Registry) startWatch(ctx context.Context, path string) (*watchHandle, error) {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &WatchRegistrationError{Path: path, Err: err}
	}
	if !info.IsDir() {
		return nil, &WatchRegistrationError{Path: path, Err: fmt.Errorf("parent is not a directory: %s", dir)}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &WatchRegistrationError{Path: path, Err: fmt.Errorf("creating watcher: %w", err)}
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, &WatchRegistrationError{Path: path, Err: fmt.Errorf("watching %s: %w", dir, err)}
	}

	if err := r.anchor(ctx, path); err != nil {
		w.Close()
		return nil, &WatchRegistrationError{Path: path, Err: err}
	}

	h := &watchHandle{
		path:    path,
		watcher: w,
		stopped: make(chan struct{}),
	}
	go r.consume(h)

	metricActiveWatches.Inc()
	r.logger.Info("watch registered", "path", path)
	return h, nil
}

// anchor records the state the first delta is computed against. A path seen
// for the first time gets its full content stored as an already-notified
// baseline. A path with history instead gets a regular pass, so lines appended
// while nobody was watching are reported.
func (r *Registry) anchor(ctx context.Context, path string) error {
	last, err := r.store.MostRecentChange(ctx, path)
	if err != nil {
		return fmt.Errorf("looking up last change: %w", err)
	}
	if last != nil {
		_, err := r.processModification(ctx, path)
		return err
	}

	content, err := r.reader.ReadContent(path)
	if err != nil {
		return &FileReadError{Path: path, Err: err}
	}
	now := r.clock.Now()
	_, err = r.store.AppendChange(ctx, &model.ChangeRecord{
		FilePath:   path,
		Content:    content,
		ChangeTime: now,
		NotifiedAt: &now,
	}, nil)
	if errors.Is(err, ErrSnapshotChanged) {
		// Another process anchored the path in the meantime.
		_, err := r.processModification(ctx, path)
		return err
	}
	if err != nil {
		return fmt.Errorf("saving initial snapshot: %w", err)
	}
	return nil
}

// Unregister closes the watch for path and waits for its consumer goroutine
// to exit. Unknown paths are ignored. Recorded changes are kept.
func (r *Registry) Unregister(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	h, ok := r.handles.LoadAndDelete(path)
	if !ok {
		return
	}
	r.stop(h)
	r.logger.Info("watch unregistered", "path", path)
}

func (r *Registry) stop(h *watchHandle) {
	if err := h.watcher.Close(); err != nil {
		r.logger.Warn("closing watcher", "path", h.path, "error", err)
	}
	<-h.stopped
	metricActiveWatches.Dec()
}

// Watching reports whether path currently has a live watch.
func (r *Registry) Watching(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	_, ok := r.handles.Load(path)
	return ok
}

// Paths returns the watched paths, sorted.
func (r *Registry) Paths() []string {
	var paths []string
	r.handles.Range(func(path string, _ *watchHandle) bool {
		paths = append(paths, path)
		return true
	})
	sort.Strings(paths)
	return paths
}

// Len returns the number of watched paths.
func (r *Registry) Len() int {
	return r.handles.Size()
}

// Close stops every watch.
func (r *Registry) Close() error {
	for _, path := range r.Paths() {
		r.Unregister(path)
	}
	return nil
}

// consume processes events for one path until its watcher is closed.
func (r *Registry) consume(h *watchHandle) {
	defer close(h.stopped)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Name != h.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if r.debounce <= 0 {
				r.handleModification(h.path)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			r.handleModification(h.path)

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("watcher error", "path", h.path, "error", err)
		}
	}
}

// handleModification runs one pass and absorbs every failure, so that the
// consumer loop only ever ends when the watch is closed.
func (r *Registry) handleModification(path string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while processing change", "path", path, "panic", p)
		}
	}()

	record, err := r.processModification(context.Background(), path)
	if err != nil {
		var readErr *FileReadError
		if errors.As(err, &readErr) {
			metricReadErrors.Inc()
		}
		r.logger.Error("processing change", "path", path, "error", err)
		return
	}
	if record != nil {
		r.logger.Info("change recorded", "path", path, "id", record.ID, "bytes", len(record.Content))
	}
}

// appendAttempts bounds how often processModification recomputes a delta
// after losing the race for the path's latest record.
const appendAttempts = 3

// processModification reads path, computes the delta against the most recent
// record and stores it as a pending record. It returns nil when there is
// nothing new. A daemon and a CLI process may both run it for one path: the
// record is only appended on top of the record the delta was computed
// against, and otherwise the pass starts over.
func (r *Registry) processModification(ctx context.Context, path string) (*model.ChangeRecord, error) {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		current, err := r.reader.ReadContent(path)
		if err != nil {
			return nil, &FileReadError{Path: path, Err: err}
		}

		last, err := r.store.MostRecentChange(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("looking up last change: %w", err)
		}
		lastContent := ""
		if last != nil {
			lastContent = last.Content
		}

		delta := ExtractNewChanges(lastContent, current)
		if delta == "" {
			return nil, nil
		}

		saved, err := r.store.AppendChange(ctx, &model.ChangeRecord{
			FilePath:   path,
			Content:    delta,
			ChangeTime: r.clock.Now(),
		}, last)
		if errors.Is(err, ErrSnapshotChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving change: %w", err)
		}
		metricChangesRecorded.Inc()
		return saved, nil
	}
	return nil, fmt.Errorf("saving change after %d attempts: %w", appendAttempts, ErrSnapshotChanged)
}
