package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the config file on disk and invokes onChange whenever it
// is written, debounced to absorb editors that write in multiple steps.
// Callers may additionally wire SIGHUP to the same onChange callback.
type Watcher struct {
	fsw    *fsnotify.Watcher
	log    *zap.Logger
	stopCh chan struct{}
}

// WatchFile starts watching path and calls onChange (path -> error) after
// each settled write, logging but not propagating onChange errors.
func WatchFile(path string, log *zap.Logger, onChange func(path string) error) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: log, stopCh: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

func (w *Watcher) loop(path string, onChange func(path string) error) {
	var debounce *time.Timer
	fire := func() {
		if err := onChange(path); err != nil {
			w.log.Warn("config reload failed", zap.Error(err))
		} else {
			w.log.Info("config reloaded from file change")
		}
	}

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, fire)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}
