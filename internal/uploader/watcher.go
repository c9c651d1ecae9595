package uploader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/logging"
)

// SpoolWatcher retries spooled reports as they appear and periodically
// after that.
type SpoolWatcher struct {
	dispatcher  *Dispatcher
	logger      *logging.Logger
	debounce    time.Duration
	interval    time.Duration
	backoff     time.Duration
	maxAttempts int

	mu        sync.Mutex
	notBefore map[string]time.Time
}

// WatcherOption configures a SpoolWatcher.
type WatcherOption func(*SpoolWatcher)

// WithRetryInterval sets how often the whole spool is rescanned.
func WithRetryInterval(d time.Duration) WatcherOption {
	return func(w *SpoolWatcher) { w.interval = d }
}

// WithBackoff sets how long a report rests after a failed attempt.
func WithBackoff(d time.Duration) WatcherOption {
	return func(w *SpoolWatcher) { w.backoff = d }
}

// WithMaxAttempts parks a report after n failed attempts. Zero retries
// forever.
func WithMaxAttempts(n int) WatcherOption {
	return func(w *SpoolWatcher) { w.maxAttempts = n }
}

// NewSpoolWatcher creates a watcher over d's spool.
func NewSpoolWatcher(d *Dispatcher, logger *logging.Logger, opts ...WatcherOption) *SpoolWatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	w := &SpoolWatcher{
		dispatcher:  d,
		logger:      logger.WithComponent("spool"),
		debounce:    200 * time.Millisecond,
		interval:    time.Minute,
		backoff:     30 * time.Second,
		maxAttempts: 10,
		notBefore:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is done. Entries already in the spool are retried
// first.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	spool := w.dispatcher.Spool()
	if spool == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(spool.Dir()); err != nil {
		return err
	}

	w.RetryAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make(map[string]bool)
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !IsEntryName(filepath.Base(event.Name)) {
				continue
			}
			pending[event.Name] = true
			if flush == nil {
				flush = time.After(w.debounce)
			}
		case <-flush:
			flush = nil
			for path := range pending {
				w.retryPath(ctx, path)
			}
			clear(pending)
		case <-ticker.C:
			w.RetryAll(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// RetryAll attempts every entry whose backoff has elapsed.
func (w *SpoolWatcher) RetryAll(ctx context.Context) {
	paths, err := w.dispatcher.Spool().List()
	if err != nil {
		w.logger.Warn("listing spool failed", "error", err)
		return
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		w.retryPath(ctx, p)
	}
}

func (w *SpoolWatcher) retryPath(ctx context.Context, path string) {
	id := strings.TrimSuffix(filepath.Base(path), spoolExt)
	now := time.Now()

	w.mu.Lock()
	if t, ok := w.notBefore[id]; ok && now.Before(t) {
		w.mu.Unlock()
		return
	}
	// Our own rewrite of a failed entry fires another event; the backoff
	// keeps it from being retried straight away.
	w.notBefore[id] = now.Add(w.backoff)
	w.mu.Unlock()

	e, err := Load(path)
	if err != nil {
		w.logger.Debug("skipping spool entry", "path", path, "error", err)
		return
	}
	if err := w.dispatcher.Retry(ctx, e, w.maxAttempts); err != nil {
		w.logger.Info("spooled crash report still pending", "uuid", id, "attempts", e.Attempts, "error", err)
		return
	}
	w.mu.Lock()
	delete(w.notBefore, id)
	w.mu.Unlock()
}
