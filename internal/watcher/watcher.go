// internal/watcher/watcher.go
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a checkpoint workspace and schedules a broken-symlink
// sweep for a session after its checkpoints are removed out-of-band
// (bypassing the storage layer). Sweeps are debounced per session so a
// burst of removals triggers one pass.
type Watcher struct {
	root     string
	debounce time.Duration
	sweep    func(session string)

	fsw    *fsnotify.Watcher
	done   chan struct{}
	closed bool
	mu     sync.Mutex

	timers   map[string]*time.Timer
	timersMu sync.Mutex
}

// New creates a watcher over the workspace root. The sweep callback runs
// on the watcher's goroutine after the debounce window.
func New(root string, debounce time.Duration, sweep func(session string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch workspace %s: %w", root, err)
	}

	// Existing session directories must be watched too; only removals
	// observed inside a session can trigger its sweep.
	if entries, err := os.ReadDir(root); err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				_ = fsw.Add(filepath.Join(root, entry.Name()))
			}
		}
	}

	return &Watcher{
		root:     root,
		debounce: debounce,
		sweep:    sweep,
		fsw:      fsw,
		done:     make(chan struct{}),
		timers:   map[string]*time.Timer{},
	}, nil
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	go w.loop()
}

// Close stops the watcher and cancels pending sweeps.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	w.timersMu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timersMu.Unlock()

	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are transient; the next sweep reconciles.
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	session := w.sessionOf(event.Name)

	// New session directories must be watched so removals inside them
	// are seen.
	if event.Op&fsnotify.Create != 0 && session != "" && filepath.Dir(event.Name) == w.root {
		_ = w.fsw.Add(event.Name)
		return
	}

	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 || session == "" {
		return
	}
	w.schedule(session)
}

// sessionOf maps an event path to its session name, or "" for paths
// outside the workspace. Dot-prefixed root entries are not sessions: the
// links registry and its temp sibling live at the root, and their rename
// on every persist must not read as session activity (a sweep persists
// the registry, so mistaking that write for a removal would re-arm the
// sweep forever).
func (w *Watcher) sessionOf(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	name := strings.Split(rel, string(filepath.Separator))[0]
	if strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

// schedule arms (or re-arms) the debounced sweep for one session.
func (w *Watcher) schedule(session string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, ok := w.timers[session]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[session] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, session)
		w.timersMu.Unlock()

		select {
		case <-w.done:
		default:
			w.sweep(session)
		}
	})
}
