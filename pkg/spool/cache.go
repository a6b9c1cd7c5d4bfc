package spool

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// Handle is an open append-mode file owned by a HandleCache.
type Handle struct {
	path string

	mu     sync.Mutex // guards file and closed
	file   *os.File
	closed bool

	lastWrite atomic.Int64 // unix nanos
}

// Path returns the active path the handle writes to.
func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *Handle) closeLocked() error {
	if h.closed {
		return nil
	}
	h.closed = true
	syncErr := h.file.Sync()
	return multierr.Append(syncErr, h.file.Close())
}

// HandleCache maps active paths to open write handles. It holds at most one
// handle per path.
type HandleCache struct {
	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	mode     os.FileMode
	now      func() time.Time
	onChange func(delta int) // open handle count changed by delta
}

// NewHandleCache creates an empty cache opening files with mode.
func NewHandleCache(mode os.FileMode) *HandleCache {
	return &HandleCache{
		handles: make(map[string]*Handle),
		mode:    mode,
		now:     time.Now,
	}
}

// GetOrOpen returns the cached handle for path, opening the file in append
// mode when absent. Parent directories are not created.
func (c *HandleCache) GetOrOpen(path string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if h, ok := c.handles[path]; ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, c.mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrWrite, path, err)
	}
	h := &Handle{path: path, file: f}
	h.lastWrite.Store(c.now().UnixNano())
	c.handles[path] = h
	c.changed(1)
	return h, nil
}

// Write appends p to the handle's file and syncs it before returning. A
// short write or failed sync is reported as an error.
func (c *HandleCache) Write(h *Handle, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("%w: %s: handle closed", ErrWrite, h.path)
	}
	n, err := h.file.Write(p)
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, h.path, err)
	}
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrWrite, h.path, err)
	}
	h.lastWrite.Store(c.now().UnixNano())
	return nil
}

// Close flushes and closes the handle for path, if any, and forgets it.
func (c *HandleCache) Close(path string) error {
	c.mu.Lock()
	h, ok := c.handles[path]
	if ok {
		delete(c.handles, path)
		c.changed(-1)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return h.close()
}

// EvictIdle closes every handle that has not been written for longer than
// idle. When guard is set it is asked for each candidate path; paths it
// refuses are left open. Handles with a write in progress are skipped.
// It returns the number of handles closed.
func (c *HandleCache) EvictIdle(idle time.Duration, guard func(path string) (release func(), ok bool)) (int, error) {
	cutoff := c.now().Add(-idle).UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		evicted int
		errs    error
	)
	for path, h := range c.handles {
		if h.lastWrite.Load() >= cutoff {
			continue
		}
		release := func() {}
		if guard != nil {
			r, ok := guard(path)
			if !ok {
				continue
			}
			release = r
		}
		if !h.mu.TryLock() {
			release()
			continue
		}
		errs = multierr.Append(errs, h.closeLocked())
		h.mu.Unlock()
		release()

		delete(c.handles, path)
		evicted++
	}
	c.changed(-evicted)
	return evicted, errs
}

// CloseAll closes every handle. The cache refuses new opens afterwards.
func (c *HandleCache) CloseAll() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]*Handle)
	c.closed = true
	c.changed(-len(handles))
	c.mu.Unlock()

	var errs error
	for _, h := range handles {
		errs = multierr.Append(errs, h.close())
	}
	return errs
}

// Len returns the number of open handles.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// caller holds c.mu
func (c *HandleCache) changed(delta int) {
	if c.onChange != nil && delta != 0 {
		c.onChange(delta)
	}
}
