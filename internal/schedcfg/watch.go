package schedcfg

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the write bursts editors and atomic-rename saves
// produce into one reload.
const reloadDebounce = 150 * time.Millisecond

// Watcher reloads the schedule config when its file changes on disk. A
// config that fails to load keeps the previous one in effect.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path and calls onReload with each successfully
// loaded config. The containing directory is watched, not the file itself,
// because most editors replace the file by rename.
func Watch(path string, onReload func(Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.run(path, onReload, logger)
	return w, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run(path string, onReload func(Config), logger *slog.Logger) {
	var debounce *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				pending = debounce.C
			} else {
				debounce.Reset(reloadDebounce)
			}
		case <-pending:
			debounce = nil
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("schedule config reload failed; keeping previous", "path", path, "error", err)
				continue
			}
			logger.Info("schedule config reloaded", "path", path)
			onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("schedule config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}
