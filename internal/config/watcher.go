package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rsclarke/toolauth/internal/logging"
	"github.com/rsclarke/toolauth/internal/metrics"
)

// DefaultDebounce collapses bursts of file events, such as a ConfigMap
// symlink swap, into one reload.
const DefaultDebounce = 500 * time.Millisecond

// State of a Watcher.
type State int

const (
	StateLoading State = iota
	StateReady
	StateReloading
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateReloading:
		return "reloading"
	default:
		return "unknown"
	}
}

type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Debounce time.Duration
	// OnReload is called after each successful reload with the new snapshot.
	OnReload func(*Snapshot)
	// Validate is applied to every loaded snapshot before it is published.
	// A failure is fatal on the initial load and keeps the previous snapshot
	// on reload.
	Validate func(*Snapshot) error

	load func(path string) (*Snapshot, error)
}

// Watcher owns the published Snapshot. Readers call Current and keep the
// returned pointer for the lifetime of one request; the Watcher only ever
// replaces the pointer.
type Watcher struct {
	path     string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	debounce time.Duration
	onReload func(*Snapshot)
	validate func(*Snapshot) error
	load     func(path string) (*Snapshot, error)

	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64

	// reloadMu serialises reloads; mu guards state and lastErr only, so
	// State can observe StateReloading while a load is running.
	reloadMu sync.Mutex
	mu       sync.Mutex
	state    State
	lastErr  error
}

// NewWatcher performs the initial load. A failure here is fatal to the
// caller: the watcher never starts without a valid snapshot. An empty path
// publishes Default.
func NewWatcher(path string, opts Options) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		debounce: opts.Debounce,
		onReload: opts.OnReload,
		validate: opts.Validate,
		load:     opts.load,
		state:    StateLoading,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.load == nil {
		w.load = Load
	}

	snap, err := w.loadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	w.publish(snap)
	w.state = StateReady

	w.logger.Info("config loaded",
		logging.ConfigPath(path),
		logging.Mode(string(snap.Mode)),
		logging.Generation(snap.Generation),
		zap.Int("tools", len(snap.Tools)))
	return w, nil
}

// Current returns the active snapshot.
func (w *Watcher) Current() *Snapshot {
	return w.current.Load()
}

// State returns the watcher state and the error of the last failed reload,
// cleared by the next successful one.
func (w *Watcher) State() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.lastErr
}

func (w *Watcher) loadSnapshot() (*Snapshot, error) {
	var snap *Snapshot
	if w.path == "" {
		snap = Default()
	} else {
		var err error
		if snap, err = w.load(w.path); err != nil {
			return nil, err
		}
	}
	if w.validate != nil {
		if err := w.validate(snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (w *Watcher) setState(state State, lastErr error) {
	w.mu.Lock()
	w.state = state
	w.lastErr = lastErr
	w.mu.Unlock()
}

func (w *Watcher) publish(snap *Snapshot) {
	snap.Generation = w.generation.Add(1)
	w.current.Store(snap)
	w.metrics.ObserveReload(true, snap.Generation)
}

// Reload re-reads the config. On failure the previous snapshot stays active
// and the error is returned.
func (w *Watcher) Reload() error {
	if w.path == "" {
		return nil
	}

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	_, prevErr := w.State()
	w.setState(StateReloading, prevErr)
	snap, err := w.loadSnapshot()
	if err != nil {
		w.setState(StateReady, err)
		w.metrics.ObserveReload(false, 0)
		w.logger.Error("config reload failed, keeping previous snapshot",
			logging.ConfigPath(w.path),
			logging.Generation(w.Current().Generation),
			zap.Error(err))
		return err
	}

	w.publish(snap)
	w.setState(StateReady, nil)
	w.logger.Info("config reloaded",
		logging.ConfigPath(w.path),
		logging.Mode(string(snap.Mode)),
		logging.Generation(snap.Generation),
		zap.Int("tools", len(snap.Tools)))

	if w.onReload != nil {
		w.onReload(snap)
	}
	return nil
}

// Run watches the directories holding the config file and the allowlist
// file and reloads after each debounced burst of changes. Directories are
// watched rather than files so that atomic rename-into-place is observed.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	watched := make(map[string]bool)
	w.syncWatches(fw, watched)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_ = w.Reload()
			w.syncWatches(fw, watched)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				_ = w.Reload()
				continue
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) syncWatches(fw *fsnotify.Watcher, watched map[string]bool) {
	dirs := []string{filepath.Dir(w.path)}
	if p := w.Current().AllowlistPath; p != "" {
		dirs = append(dirs, filepath.Dir(p))
	}
	for _, dir := range dirs {
		if watched[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("cannot watch config directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched[dir] = true
	}
}
