package spool

import (
	"os"

	"spoolsink/pkg/metrics"
)

// Files is the set of open active files and their path locks. Sinks that
// may resolve the same active path must share one Files: a rotation by any
// of them then closes the only handle on that path, and rotate+write on a
// path is serialized across all of them.
type Files struct {
	cache *HandleCache
	locks *pathLocks
}

// NewFiles creates an empty set that opens files with mode (DefaultFileMode
// when zero). m may be nil.
func NewFiles(mode os.FileMode, m *metrics.Metrics) *Files {
	if mode == 0 {
		mode = DefaultFileMode
	}
	c := NewHandleCache(mode)
	c.onChange = m.AddOpenHandles
	return &Files{cache: c, locks: newPathLocks()}
}

// Len returns the number of open handles.
func (f *Files) Len() int {
	return f.cache.Len()
}

// Close closes every handle. Sinks using f fail with ErrClosed afterwards.
func (f *Files) Close() error {
	return f.cache.CloseAll()
}

// release closes the handle on path once no write holds the path.
func (f *Files) release(path string) error {
	unlock := f.locks.Lock(path)
	defer unlock()
	return f.cache.Close(path)
}
