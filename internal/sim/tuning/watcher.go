package tuning

import (
	"context"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// LoadFunc reads and validates one config file.
type LoadFunc[T any] func(path string) (T, error)

// Watcher holds the current value of a config file and reloads it when the
// file's mtime or size changes. Readers call Current once per tick and use
// that value for the whole tick.
type Watcher[T any] struct {
	path   string
	load   LoadFunc[T]
	every  time.Duration
	logger *log.Logger

	cur  atomic.Pointer[T]
	seen fileStamp

	reloads  atomic.Uint64
	failures atomic.Uint64

	onChange func(T)
}

type fileStamp struct {
	mod  int64
	size int64
	ok   bool
}

func stampOf(path string) fileStamp {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{mod: fi.ModTime().UnixNano(), size: fi.Size(), ok: true}
}

// NewWatcher starts from initial; it does not read path until Poll or Run.
func NewWatcher[T any](path string, initial T, load LoadFunc[T], every time.Duration, logger *log.Logger) *Watcher[T] {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if every <= 0 {
		every = time.Second
	}
	w := &Watcher[T]{path: path, load: load, every: every, logger: logger}
	v := initial
	w.cur.Store(&v)
	w.seen = stampOf(path)
	return w
}

// OnChange registers fn to run after each successful reload. Call before Run.
func (w *Watcher[T]) OnChange(fn func(T)) { w.onChange = fn }

// Current returns the active value. The returned value must not be mutated.
func (w *Watcher[T]) Current() T { return *w.cur.Load() }

// Set replaces the active value without touching the file.
func (w *Watcher[T]) Set(v T) { w.cur.Store(&v) }

func (w *Watcher[T]) Reloads() uint64  { return w.reloads.Load() }
func (w *Watcher[T]) Failures() uint64 { return w.failures.Load() }

// Poll reloads once if the file changed. A failed load keeps the previous
// value and returns the error.
func (w *Watcher[T]) Poll() (bool, error) {
	st := stampOf(w.path)
	if !st.ok || st == w.seen {
		return false, nil
	}
	w.seen = st
	v, err := w.load(w.path)
	if err != nil {
		w.failures.Add(1)
		return false, err
	}
	w.cur.Store(&v)
	w.reloads.Add(1)
	if w.onChange != nil {
		w.onChange(v)
	}
	return true, nil
}

// Run polls until ctx is done.
func (w *Watcher[T]) Run(ctx context.Context) {
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			changed, err := w.Poll()
			if err != nil {
				w.logger.Printf("config reload %s: %v (keeping previous)", w.path, err)
				continue
			}
			if changed {
				w.logger.Printf("config reloaded: %s", w.path)
			}
		}
	}
}
