package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetmon/fleetmon/pkg/log"
)

// Watcher reports configuration file changes. It combines fsnotify events
// with an mtime check so a missed event (editor rename dance, NFS mount)
// is still caught on the next Changed call.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	lastMod time.Time
	dirty   chan struct{}
	stopCh  chan struct{}
}

// NewWatcher starts watching the configuration file's directory.
func NewWatcher(path string) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files by rename
	// and the inode watch would go stale.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		lastMod: info.ModTime(),
		dirty:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}

// Changed reports whether the file changed since the last call that
// returned true. A pending fsnotify event wins outright; without one
// the mtime check covers events the watch missed.
func (w *Watcher) Changed() bool {
	select {
	case <-w.dirty:
		if info, err := os.Stat(w.path); err == nil {
			w.lastMod = info.ModTime()
		}
		return true
	default:
		return w.checkMtime()
	}
}

func (w *Watcher) checkMtime() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	if info.ModTime().After(w.lastMod) {
		w.lastMod = info.ModTime()
		return true
	}
	return false
}

func (w *Watcher) run() {
	logger := log.WithComponent("config-watcher")
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case w.dirty <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watch error")
		case <-w.stopCh:
			return
		}
	}
}
