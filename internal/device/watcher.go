package device

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce     = 200 * time.Millisecond
	watchPollInterval = 10 * time.Second
)

// Watcher observes the device-registry document and invokes a callback when
// another process rewrites it. Events are debounced; a slow poll covers
// filesystems where fsnotify misses rename-based rewrites.
type Watcher struct {
	path     string
	logger   *log.Logger
	onChange func()

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	stop    chan struct{}
	stopped bool

	lastMod time.Time
	lastLen int64
}

// NewWatcher returns an unstarted watcher for path.
func NewWatcher(path string, logger *log.Logger, onChange func()) *Watcher {
	return &Watcher{path: path, logger: logger, onChange: onChange, stop: make(chan struct{})}
}

// Start begins watching. The registry file may not exist yet; the parent
// directory is watched so creation is seen too.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	w.snapshot()
	go w.loop(fsw)
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stop)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	poll := time.NewTicker(watchPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-w.stop:
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
			fire = debounce.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("DeviceWatcher: %v", err)
			}

		case <-fire:
			fire = nil
			w.snapshot()
			w.onChange()

		case <-poll.C:
			if w.changedSinceSnapshot() {
				w.snapshot()
				w.onChange()
			}
		}
	}
}

// snapshot records the file's mtime and size for the poll fallback.
func (w *Watcher) snapshot() {
	info, err := os.Stat(w.path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastMod = time.Time{}
		w.lastLen = -1
		return
	}
	w.lastMod = info.ModTime()
	w.lastLen = info.Size()
}

func (w *Watcher) changedSinceSnapshot() bool {
	info, err := os.Stat(w.path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		return w.lastLen >= 0
	}
	return !info.ModTime().Equal(w.lastMod) || info.Size() != w.lastLen
}
