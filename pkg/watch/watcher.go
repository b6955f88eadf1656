// Package watch waits for a simulation's output artifacts to appear and
// settle before they are replayed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	slerrors "github.com/logflow/simlog/pkg/errors"
)

// Waiter blocks until a set of files exist and have stopped changing.
type Waiter struct {
	watcher  *fsnotify.Watcher
	files    map[string]*fileState
	debounce time.Duration

	// OnAppear is called the first time a watched file is seen.
	OnAppear func(path string)
}

type fileState struct {
	path         string
	exists       bool
	lastModified time.Time
	size         int64
	announced    bool
}

// NewWaiter creates a waiter. A file counts as settled once its size and
// modification time are unchanged for debounce.
func NewWaiter(debounce time.Duration) (*Waiter, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Waiter{
		watcher:  fsWatcher,
		files:    make(map[string]*fileState),
		debounce: debounce,
	}, nil
}

// Add registers a file. Its directory must already exist.
func (w *Waiter) Add(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if _, ok := w.files[absPath]; ok {
		return nil
	}

	// fsnotify reports creation through the parent directory.
	if err := w.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch directory of %s: %w", path, err)
	}

	state := &fileState{path: absPath}
	w.files[absPath] = state
	w.refresh(state)
	return nil
}

// refresh re-stats a file and reports whether anything changed.
func (w *Waiter) refresh(state *fileState) bool {
	stat, err := os.Stat(state.path)
	if err != nil {
		changed := state.exists
		state.exists = false
		return changed
	}

	changed := !state.exists ||
		!stat.ModTime().Equal(state.lastModified) ||
		stat.Size() != state.size
	state.exists = true
	state.lastModified = stat.ModTime()
	state.size = stat.Size()

	if !state.announced {
		state.announced = true
		if w.OnAppear != nil {
			w.OnAppear(state.path)
		}
	}
	return changed
}

// settled re-stats every file and reports whether all exist and none
// changed since the previous check.
func (w *Waiter) settled() bool {
	ok := true
	for _, state := range w.files {
		if w.refresh(state) || !state.exists {
			ok = false
		}
	}
	return ok
}

// Wait blocks until every added file exists and has been quiet for the
// debounce interval, or ctx is done.
func (w *Waiter) Wait(ctx context.Context) error {
	timer := time.NewTimer(w.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return slerrors.Canceled("wait for artifacts", ctx.Err()).
				WithContext("missing", w.Missing())

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			absPath, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if state, watched := w.files[absPath]; watched {
				w.refresh(state)
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return fmt.Errorf("watch: %w", err)

		case <-timer.C:
			// Polling on each tick also covers events fsnotify dropped.
			if w.settled() {
				return nil
			}
			timer.Reset(w.debounce)
		}
	}
}

// Missing lists the watched files that do not exist yet.
func (w *Waiter) Missing() []string {
	var out []string
	for _, state := range w.files {
		if !state.exists {
			out = append(out, state.path)
		}
	}
	return out
}

// Close stops the watcher.
func (w *Waiter) Close() error {
	return w.watcher.Close()
}

// WaitFor waits for paths with a fresh Waiter.
func WaitFor(ctx context.Context, debounce time.Duration, paths ...string) error {
	w, err := NewWaiter(debounce)
	if err != nil {
		return err
	}
	defer w.Close()

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return err
		}
	}
	return w.Wait(ctx)
}
