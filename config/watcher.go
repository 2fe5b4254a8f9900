package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long the watcher waits after the last file event
// before re-reading. Editors and secret managers rewrite credentials
// files in bursts of writes; reloading mid-burst would see a torn file.
const settleDelay = 500 * time.Millisecond

// Watcher keeps a Store synchronized with a credentials file on disk.
// Each time the file settles after a change it is re-parsed and, if
// valid, swapped into the store; broken edits are logged and the
// previous snapshot stays live.
type Watcher struct {
	path  string
	store *Store
	fw    *fsnotify.Watcher
	log   *slog.Logger
	done  chan struct{}
	once  sync.Once
}

// WatchFile starts watching path and feeding reloads into store. A nil
// logger uses the default. Close the returned Watcher to stop.
func WatchFile(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching credentials file: %w", err)
	}

	w := &Watcher{
		path:  path,
		store: store,
		fw:    fw,
		log:   logger,
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}
	pending := false

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending && !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(settleDelay)
			pending = true

		case <-settle.C:
			pending = false
			w.swap()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("credentials watcher error", "path", w.path, "err", err)

		case <-w.done:
			return
		}
	}
}

// swap re-reads the file and installs the result in the store.
func (w *Watcher) swap() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("credentials reload skipped", "path", w.path, "err", err)
		return
	}
	if err := w.store.Reload(cfg); err != nil {
		w.log.Warn("credentials reload rejected", "path", w.path, "err", err)
		return
	}
	w.log.Info("credentials reloaded", "path", w.path)
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}
