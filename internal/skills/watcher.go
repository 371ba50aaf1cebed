package skills

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher re-runs discovery when manifests under the watched directory
// change. Rapid event bursts are coalesced by a debounce timer.
type Watcher struct {
	manager  *Manager
	dir      string
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewWatcher creates a watcher for one skill directory. A non-positive
// debounce uses the default.
func NewWatcher(manager *Manager, dir string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &Watcher{manager: manager, dir: dir, debounce: debounce}
}

// Start begins watching. Stop or context cancellation ends it.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = fw
	w.cancel = cancel
	w.mu.Unlock()

	go w.loop(watchCtx, fw)
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	rediscover := func() {
		if err := w.manager.DiscoverAndLoad(ctx, w.dir); err != nil && ctx.Err() == nil {
			w.manager.logger.Warn("skill rediscovery failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New subdirectories must be watched for their manifests.
			if event.Op&fsnotify.Create != 0 {
				_ = fw.Add(event.Name)
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, rediscover)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.manager.logger.Warn("skill watcher error", "error", err)
		}
	}
}
