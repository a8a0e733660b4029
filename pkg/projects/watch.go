package projects

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmtoy/pipeline-web/errors"
)

// Watch reloads the registry whenever the authentication CSV changes. Bursts
// of events within debounce collapse into one reload after the last event.
// onReload, if set, is called after each successful reload. Watch blocks
// until ctx is done.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration, onReload func()) error {
	if r.csvPath == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeIOError, "creating file watcher")
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(r.csvPath)
	if err := watcher.Add(dir); err != nil {
		return errors.IOError("watch", dir, err)
	}
	r.logger.WithField("path", r.csvPath).Debug("Watching authentication CSV")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		if err := r.Reload(); err != nil {
			r.logger.WithError(err).Error("Reloading project registry failed; keeping previous table")
			return
		}
		if onReload != nil {
			onReload()
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	target := filepath.Clean(r.csvPath)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			r.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			return nil
		}
	}
}
