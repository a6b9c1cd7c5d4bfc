package ingest

import (
	"bytes"
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"spoolsink/pkg/engine"
	"spoolsink/pkg/metrics"
)

// UDPIngestor listens for datagrams. Each datagram may carry several
// newline-separated events.
type UDPIngestor struct {
	addr    string
	buffer  *engine.RingBuffer
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewUDPIngestor(addr string, buffer *engine.RingBuffer, logger *zap.Logger, m *metrics.Metrics) *UDPIngestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPIngestor{
		addr:    addr,
		buffer:  buffer,
		logger:  logger,
		metrics: m,
	}
}

// Start reads datagrams until ctx is done. Blocking call.
func (u *UDPIngestor) Start(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", u.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	u.logger.Info("udp ingestor listening", zap.Stringer("addr", conn.LocalAddr()))

	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.logger.Warn("udp read failed", zap.Error(err))
			continue
		}
		for _, line := range bytes.Split(buf[:n], []byte("\n")) {
			line = bytes.TrimRight(line, "\r")
			if len(line) == 0 {
				continue
			}
			// buf is reused by the next read.
			entry := make([]byte, len(line))
			copy(entry, line)
			push(u.buffer, u.metrics, entry)
		}
	}
}
