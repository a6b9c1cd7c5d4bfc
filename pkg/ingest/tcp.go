package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"spoolsink/pkg/engine"
	"spoolsink/pkg/metrics"
)

// maxLineSize bounds a single newline-delimited event.
const maxLineSize = 1 << 20

// TCPIngestor listens for TCP connections and pushes newline-delimited
// events to the buffer.
type TCPIngestor struct {
	addr    string
	buffer  *engine.RingBuffer
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

func NewTCPIngestor(addr string, buffer *engine.RingBuffer, logger *zap.Logger, m *metrics.Metrics) *TCPIngestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPIngestor{
		addr:    addr,
		buffer:  buffer,
		logger:  logger,
		metrics: m,
		ready:   make(chan struct{}),
	}
}

// Addr returns the bound address once listening has started, nil before.
func (t *TCPIngestor) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Ready is closed once the listener is bound.
func (t *TCPIngestor) Ready() <-chan struct{} {
	return t.ready
}

// Start accepts connections until ctx is done. Blocking call.
func (t *TCPIngestor) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	close(t.ready)
	t.logger.Info("tcp ingestor listening", zap.Stringer("addr", listener.Addr()))

	var conns sync.WaitGroup
	defer conns.Wait()

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			t.handleConnection(ctx, conn)
		}()
	}
}

func (t *TCPIngestor) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		entry := make([]byte, len(line))
		copy(entry, line)
		push(t.buffer, t.metrics, entry)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Warn("read failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// push enqueues entry, dropping it when the buffer is full. Logging every
// drop would flood the log under pressure, so only the counter moves.
func push(buf *engine.RingBuffer, m *metrics.Metrics, entry []byte) {
	if err := buf.Push(entry); err != nil {
		m.IncrementBufferDropped()
	}
}
