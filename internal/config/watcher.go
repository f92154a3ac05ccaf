package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used by [NewWatcher] unless
// [WithInterval] overrides it.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file together with the instructions document it
// references. When either changes to a new valid config, onChange receives the
// previous and the new config. Invalid edits are reported and the previous
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies the on-disk state of the watched files.
type fileStamp struct {
	configMtime time.Time
	configHash  [sha256.Size]byte

	docPath   string
	docMtime  time.Time
	docDigest [sha256.Size]byte
}

// sameContent reports whether s and o describe identical file contents.
func (s fileStamp) sameContent(o fileStamp) bool {
	return s.configHash == o.configHash && s.docPath == o.docPath && s.docDigest == o.docDigest
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler registers fn to receive rejected reloads (unreadable or
// invalid config). Errors are logged regardless.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check to return. It is safe to
// call more than once but must not be called from the onChange callback.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the config if either watched file was touched, and calls
// onChange when the content actually differs.
func (w *Watcher) check() {
	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()

	if !w.touched(prev) {
		return
	}

	cfg, stamp, err := w.load()
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	if stamp.sameContent(prev) {
		w.stamp = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.stamp = stamp
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"instructions_changed", stamp.docDigest != prev.docDigest,
	)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// touched compares modification times only, to avoid hashing on every tick.
// A vanished instructions document counts as touched once.
func (w *Watcher) touched(prev fileStamp) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(fmt.Errorf("stat %q: %w", w.path, err))
		return false
	}
	if !info.ModTime().Equal(prev.configMtime) {
		return true
	}
	if prev.docPath == "" {
		return false
	}
	doc, err := os.Stat(prev.docPath)
	if err != nil {
		return !prev.docMtime.IsZero()
	}
	return !doc.ModTime().Equal(prev.docMtime)
}

func (w *Watcher) reject(err error) {
	slog.Warn("config watcher: reload rejected, keeping previous config", "path", w.path, "err", err)
	if w.onError != nil {
		w.onError(err)
	}
}

// load reads, validates and stamps the config file and its instructions
// document.
func (w *Watcher) load() (*Config, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fileStamp{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	resolvePaths(cfg, filepath.Dir(w.path))

	stamp := fileStamp{
		configMtime: info.ModTime(),
		configHash:  sha256.Sum256(data),
		docPath:     cfg.Session.InstructionsFile,
		docDigest:   cfg.Session.InstructionsDigest,
	}
	if stamp.docPath != "" {
		if doc, err := os.Stat(stamp.docPath); err == nil {
			stamp.docMtime = doc.ModTime()
		}
	}
	return cfg, stamp, nil
}
