package engine

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrBufferFull = errors.New("buffer is full")

// RingBuffer holds raw entries between the ingestors and the pipeline
// worker. Every connection pushes from its own goroutine, so producers share
// pushMu; the single consumer pops without locking.
type RingBuffer struct {
	pushMu sync.Mutex

	slots [][]byte
	mask  uint64

	head    atomic.Uint64 // next write
	tail    atomic.Uint64 // next read
	dropped atomic.Uint64
}

// NewRingBuffer allocates size slots. size must be a power of 2.
func NewRingBuffer(size uint64) (*RingBuffer, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.New("size must be a power of 2")
	}
	return &RingBuffer{
		slots: make([][]byte, size),
		mask:  size - 1,
	}, nil
}

// Push appends an entry. A full buffer drops it and returns ErrBufferFull.
func (rb *RingBuffer) Push(entry []byte) error {
	rb.pushMu.Lock()
	defer rb.pushMu.Unlock()

	head := rb.head.Load()
	if head-rb.tail.Load() > rb.mask {
		rb.dropped.Add(1)
		return ErrBufferFull
	}
	rb.slots[head&rb.mask] = entry
	rb.head.Store(head + 1)
	return nil
}

// Pop removes the oldest entry, or returns nil when empty. Only the
// pipeline worker may call it.
func (rb *RingBuffer) Pop() []byte {
	tail := rb.tail.Load()
	if tail == rb.head.Load() {
		return nil
	}
	i := tail & rb.mask
	entry := rb.slots[i]
	rb.slots[i] = nil
	rb.tail.Store(tail + 1)
	return entry
}

// DroppedCount returns how many entries Push rejected.
func (rb *RingBuffer) DroppedCount() uint64 {
	return rb.dropped.Load()
}

// Usage returns the number of buffered entries.
func (rb *RingBuffer) Usage() uint64 {
	return rb.head.Load() - rb.tail.Load()
}

func (rb *RingBuffer) Capacity() uint64 {
	return rb.mask + 1
}
