package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the config file for changes and reloads the
// notification tuning at runtime. Only settings that are safe to change
// without restarting tasks are applied.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	mu       sync.Mutex
	onReload func(*Settings)
}

// NewWatcher creates a watcher for the given config file. The callback
// receives the freshly loaded settings on every successful reload.
func NewWatcher(path string, onReload func(*Settings)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		watcher:  fw,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}
	return w, nil
}

// Start begins watching. Editors often replace files by rename, so the
// parent directory is watched and events are filtered by name.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-w.stopChan:
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()

	log.Info().Str("path", w.path).Msg("Watching config file for changes")
	return nil
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	settings, err := Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous settings")
		return
	}
	log.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(settings)
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopChan)
	if err := w.watcher.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close config watcher")
	}
}
