package spool

import "sync"

// pathLocks is a keyed mutex. Entries are dropped once nobody holds or
// waits on them.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

func (p *pathLocks) acquire(path string) *pathLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	return l
}

func (p *pathLocks) release(path string, l *pathLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, path)
	}
}

// Lock blocks until path is held and returns the matching unlock.
func (p *pathLocks) Lock(path string) (unlock func()) {
	l := p.acquire(path)
	l.Lock()
	return func() {
		l.Unlock()
		p.release(path, l)
	}
}

// TryLock takes path only if nobody else holds it.
func (p *pathLocks) TryLock(path string) (unlock func(), ok bool) {
	l := p.acquire(path)
	if !l.TryLock() {
		p.release(path, l)
		return nil, false
	}
	return func() {
		l.Unlock()
		p.release(path, l)
	}, true
}
