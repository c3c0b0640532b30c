package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/model"
)

// DefaultWatchDelay is how long the watcher waits for changes to settle.
const DefaultWatchDelay = 500 * time.Millisecond

// ModelChange is delivered when a watched model changed on disk. Err is set
// when the new content does not load.
type ModelChange struct {
	Sources []string
	Model   *model.SystemModel
	Err     error
}

// ModelWatcher reloads a model whenever one of its sources changes.
type ModelWatcher struct {
	loader  *ModelLoader
	sources []string
	delay   time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// NewModelWatcher creates a watcher over sources, which may be files or CUE
// package directories.
func NewModelWatcher(loader *ModelLoader, sources []string, logger zerolog.Logger) *ModelWatcher {
	return &ModelWatcher{
		loader:  loader,
		sources: sources,
		delay:   DefaultWatchDelay,
		logger:  logger.With().Str("component", "model-watcher").Logger(),
		watched: make(map[string]bool),
	}
}

// SetDelay changes the debounce delay.
func (w *ModelWatcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Watch delivers a change for every settled modification until ctx is done,
// then closes the returned channel. Editors often replace files instead of
// writing them, so the parent directories are watched and events are
// matched against the sources.
func (w *ModelWatcher) Watch(ctx context.Context) (<-chan ModelChange, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, source := range w.sources {
		abs, err := filepath.Abs(source)
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", source, err)
		}
		dir := filepath.Dir(abs)
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			dir = abs
		}
		w.watched[abs] = true
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	changes := make(chan ModelChange)
	go w.processEvents(ctx, watcher, changes)

	w.logger.Info().Strs("sources", w.sources).Msg("Watching model sources")
	return changes, nil
}

func (w *ModelWatcher) relevant(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	if w.watched[abs] {
		return true
	}
	// Files inside a watched CUE package directory.
	return w.watched[filepath.Dir(abs)] && filepath.Ext(abs) == ".cue"
}

func (w *ModelWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, changes chan<- ModelChange) {
	defer close(changes)
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.relevant(event.Name) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Model source changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			fire = timer.C

		case <-fire:
			fire = nil
			change := ModelChange{Sources: w.sources}
			change.Model, change.Err = w.loader.Load(ctx, w.sources...)
			if change.Err != nil {
				w.logger.Warn().Err(change.Err).Msg("Reloaded model is invalid")
			}
			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching. Watch's channel is closed once the event loop exits.
func (w *ModelWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
