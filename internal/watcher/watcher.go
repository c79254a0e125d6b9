// Package watcher mirrors the text artifacts a worker writes into its output
// directory.
package watcher

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchInitError is returned by Start when the directory cannot be observed.
type WatchInitError struct {
	Dir string
	Err error
}

func (e *WatchInitError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Dir, e.Err)
}

func (e *WatchInitError) Unwrap() error { return e.Err }

var errInvalidUTF8 = errors.New("content is not valid UTF-8")

// ReadErrorFunc is notified of every swallowed read failure.
type ReadErrorFunc func(name string, err error)

// Watcher keeps the latest content of every matching file in one directory.
// Events are treated as hints only: every qualifying event re-reads the whole
// file, so lost, duplicated or reordered events converge on the same state.
type Watcher struct {
	ext         string
	logger      *zap.Logger
	onReadError ReadErrorFunc

	mu    sync.RWMutex
	files map[string]string

	fsw      *fsnotify.Watcher
	dir      string
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates a Watcher for files ending in ext (for example ".txt").
func New(ext string, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		ext:    ext,
		logger: logger,
		files:  make(map[string]string),
	}
}

// OnReadError registers a callback for read failures. Must be called before Start.
func (w *Watcher) OnReadError(fn ReadErrorFunc) {
	w.onReadError = fn
}

// Start begins watching dir (non-recursively). It fails if the directory does
// not exist or cannot be observed.
func (w *Watcher) Start(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return &WatchInitError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return &WatchInitError{Dir: dir, Err: errors.New("not a directory")}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return &WatchInitError{Dir: dir, Err: err}
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return &WatchInitError{Dir: dir, Err: err}
	}

	w.fsw = fsw
	w.dir = dir
	w.done = make(chan struct{})
	go w.loop()

	w.logger.Debug("watching output directory", zap.String("dir", dir), zap.String("ext", w.ext))
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	events, errs := w.fsw.Events, w.fsw.Errors
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handle(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("watch error", zap.String("dir", w.dir), zap.Error(err))
		}
	}
}

// handle applies one filesystem event to the mirror.
func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if !strings.HasSuffix(ev.Name, w.ext) {
		return
	}

	name := filepath.Base(ev.Name)
	content, err := readText(ev.Name)
	if err != nil {
		// Keep whatever we had; the next write event will re-read the file.
		w.logger.Warn("failed to read watched file", zap.String("file", name), zap.Error(err))
		if w.onReadError != nil {
			w.onReadError(name, err)
		}
		return
	}
	if content == nil {
		return
	}

	w.mu.Lock()
	w.files[name] = *content
	w.mu.Unlock()
}

// readText returns nil content for directories.
func readText(path string) (*string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errInvalidUTF8
	}
	s := string(data)
	return &s, nil
}

// Snapshot returns a copy of the filename to content mapping.
func (w *Watcher) Snapshot() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return maps.Clone(w.files)
}

// Stop halts event delivery. It is safe to call more than once and on a
// watcher that was never started.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		if w.fsw == nil {
			return
		}
		w.stopErr = w.fsw.Close()
		<-w.done
	})
	return w.stopErr
}
