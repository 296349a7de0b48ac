package capability

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher monitors the capability directory and marks the discovery state
// dirty when unit files change. It never reloads anything itself; the
// next request that consults the registry pays for the rescan.
type Watcher struct {
	watcher            *fsnotify.Watcher
	state              *DiscoveryState
	stabilityThreshold time.Duration
	logger             zerolog.Logger
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// NewWatcher creates a watcher over the state's directory. A zero
// stabilityThreshold defaults to 100ms; rapid write bursts to the same
// file collapse into one dirty mark.
func NewWatcher(state *DiscoveryState, stabilityThreshold time.Duration, logger zerolog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if stabilityThreshold == 0 {
		stabilityThreshold = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		state:              state,
		stabilityThreshold: stabilityThreshold,
		logger:             logger.With().Str("component", "watcher").Logger(),
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the capability directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.state.Dir()); err != nil {
		return fmt.Errorf("failed to watch capability directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().
		Str("dir", w.state.Dir()).
		Msg("Capability watcher started")

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Capability watcher stopped")
	return nil
}

// eventLoop processes file system events
func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// handleEvent debounces events on unit files and marks the state dirty
// once the file settles.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsUnitFile(filepath.Base(event.Name)) {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	name := event.Name
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		w.state.MarkDirty()
		w.logger.Debug().
			Str("unit", filepath.Base(name)).
			Msg("Capability unit changed, rescan scheduled")
	})
}
