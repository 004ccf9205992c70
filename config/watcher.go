package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
)

// ReloadCallback is called with the freshly loaded config after the file changes
type ReloadCallback func(*Config) error

// Watcher watches a config file and triggers reload callbacks
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	logger         *zap.SugaredLogger
	callbacks      []ReloadCallback
	mu             sync.RWMutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	done           chan struct{}
}

// NewWatcher creates a watcher for configPath.
// The parent directory is watched so editors that replace the file are still seen.
func NewWatcher(configPath string, logger *zap.SugaredLogger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Watcher{
		configPath:     filepath.Clean(configPath),
		watcher:        watcher,
		logger:         logger.Named("config"),
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (w *Watcher) OnReload(callback ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config file changes
func (w *Watcher) Start() {
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Infow("Config watcher detected change",
				"file", event.Name,
				"op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces rapid file changes
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.reload(); err != nil {
			w.logger.Errorw("Config reload failed", "error", err)
		}
	})
}

func (w *Watcher) reload() error {
	newConfig, err := w.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := newConfig.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping previous settings")
	}

	w.logger.Infow("Config reloaded", "path", w.configPath)

	w.mu.RLock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			// keep going, later callbacks are independent
			w.logger.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// load re-reads the layered configuration when the watched file is part of it,
// otherwise just the watched file
func (w *Watcher) load() (*Config, error) {
	for _, f := range LoadedFiles() {
		if filepath.Clean(f) == w.configPath {
			Reset()
			return Load()
		}
	}
	return LoadFromFile(w.configPath)
}

// Stop stops watching for config changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
