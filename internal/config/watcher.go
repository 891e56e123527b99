package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/logging"
)

// DefaultWatchDebounce is how long the catalog must stay quiet before it is reloaded
const DefaultWatchDebounce = 300 * time.Millisecond

// WatcherOption configures a CatalogWatcher.
type WatcherOption func(*CatalogWatcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *CatalogWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher. A nil logger discards output.
func WithWatchLogger(l *zap.Logger) WatcherOption {
	return func(w *CatalogWatcher) { w.logger = logging.OrNop(l) }
}

// CatalogWatcher reloads the catalog file when its content changes.
// It watches the parent directory so editors that save by rename are seen.
type CatalogWatcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	onChange func(*Catalog)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	lastHash  string
	pendingAt time.Time
}

// NewCatalogWatcher creates a watcher for path. onChange receives every
// successfully parsed catalog whose content differs from the previous one.
func NewCatalogWatcher(path string, onChange func(*Catalog), opts ...WatcherOption) *CatalogWatcher {
	w := &CatalogWatcher{
		path:     filepath.Clean(path),
		debounce: DefaultWatchDebounce,
		logger:   zap.NewNop(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start records the current content hash and begins watching.
func (w *CatalogWatcher) Start() error {
	if data, err := os.ReadFile(w.path); err == nil {
		w.lastHash = Fingerprint(data)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("catalog watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for the background goroutine.
// It is safe to call Stop multiple times.
func (w *CatalogWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *CatalogWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pendingAt = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("catalog watcher error", zap.Error(err))

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *CatalogWatcher) processPending() {
	w.mu.Lock()
	if w.pendingAt.IsZero() || time.Since(w.pendingAt) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pendingAt = time.Time{}
	w.mu.Unlock()

	w.reload()
}

// reload parses the catalog and calls onChange if the content actually changed
func (w *CatalogWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("catalog watcher: read failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	hash := Fingerprint(data)
	if hash == w.lastHash {
		w.logger.Debug("catalog watcher: content unchanged", zap.String("path", w.path))
		return
	}

	catalog, err := ParseCatalog(data)
	if err != nil {
		w.logger.Error("catalog watcher: invalid catalog", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.lastHash = hash

	w.logger.Info("catalog changed",
		zap.String("path", w.path),
		zap.Int("external", len(catalog.External)),
		zap.String("fingerprint", hash[:8]))

	w.onChange(catalog)
}
