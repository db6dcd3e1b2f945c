package manager

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDebounce collapses bursts of editor writes into one reload.
const DefaultReloadDebounce = 500 * time.Millisecond

// DefinitionWatcher reloads agent definitions when YAML files in a directory
// change.
type DefinitionWatcher struct {
	watcher  *fsnotify.Watcher
	manager  *Manager
	dir      string
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	onReload func()
}

// WatchDefinitions starts watching dir and applies changes to m.
func WatchDefinitions(m *Manager, dir string, debounce time.Duration) (*DefinitionWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	dw := &DefinitionWatcher{
		watcher:  watcher,
		manager:  m,
		dir:      dir,
		logger:   m.logger.With().Str("component", "definition_watcher").Logger(),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go dw.run()
	return dw, nil
}

// OnReload sets a hook called after each reload. Used by tests.
func (dw *DefinitionWatcher) OnReload(fn func()) {
	dw.mu.Lock()
	dw.onReload = fn
	dw.mu.Unlock()
}

// Stop stops the watcher and any pending reload.
func (dw *DefinitionWatcher) Stop() error {
	var err error
	dw.stopOnce.Do(func() {
		close(dw.stopCh)
		err = dw.watcher.Close()
		<-dw.done

		dw.mu.Lock()
		if dw.timer != nil {
			dw.timer.Stop()
		}
		dw.mu.Unlock()
	})
	return err
}

func (dw *DefinitionWatcher) run() {
	defer close(dw.done)
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				dw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Definition change detected")
				dw.scheduleReload()
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.Error().Err(err).Msg("Definition watcher error")

		case <-dw.stopCh:
			return
		}
	}
}

func (dw *DefinitionWatcher) scheduleReload() {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.timer = time.AfterFunc(dw.debounce, dw.reload)
}

func (dw *DefinitionWatcher) reload() {
	select {
	case <-dw.stopCh:
		return
	default:
	}

	if err := dw.manager.Reload(context.Background(), dw.dir); err != nil {
		dw.logger.Error().Err(err).Msg("Definition reload failed")
	} else {
		dw.logger.Info().Str("dir", dw.dir).Msg("Agent definitions reloaded")
	}

	dw.mu.Lock()
	hook := dw.onReload
	dw.mu.Unlock()
	if hook != nil {
		hook()
	}
}
