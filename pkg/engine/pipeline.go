package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spoolsink/pkg/metrics"
	"spoolsink/pkg/output"
)

const (
	DefaultBatchSize = 100

	// bypassRatio is the buffer fill level above which entries skip a
	// bypassable processor chain so the buffer drains faster.
	bypassRatio   = 0.80
	flushInterval = 100 * time.Millisecond
	idleSleep     = time.Millisecond
)

// Pipeline connects the Ingest Buffer -> ProcessorChain -> Output.
type Pipeline struct {
	buffer *RingBuffer
	chain  atomic.Pointer[ProcessorChain] // Hot-swappable chain

	// outMu is held shared while a batch is written, exclusively while the
	// output is swapped.
	outMu  sync.RWMutex
	output output.Output

	batchSize atomic.Int64
	workers   int

	logger  *zap.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline with a single worker, which keeps entries
// in arrival order. logger and m may be nil.
func NewPipeline(buf *RingBuffer, chain *ProcessorChain, out output.Output, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		buffer:  buf,
		output:  out,
		workers: 1,
		logger:  logger,
		metrics: m,
	}
	p.batchSize.Store(DefaultBatchSize)
	p.chain.Store(chain)
	return p
}

// UpdateChain hot-swaps the processor chain safely.
func (p *Pipeline) UpdateChain(chain *ProcessorChain) {
	p.chain.Store(chain)
	p.logger.Info("processor chain swapped", zap.Int("processors", chain.Len()))
}

// UpdateOutput swaps the output. It waits for the batch in flight, then
// closes the retired output so its files are flushed and released.
func (p *Pipeline) UpdateOutput(out output.Output) {
	p.outMu.Lock()
	old := p.output
	p.output = out
	p.outMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warn("failed to close retired output", zap.Error(err))
		}
	}
	p.logger.Info("output swapped")
}

// UpdateBatchSize sets the number of entries per output batch. Values below
// one restore the default.
func (p *Pipeline) UpdateBatchSize(n int64) {
	if n < 1 {
		n = DefaultBatchSize
	}
	p.batchSize.Store(n)
}

// Start launches the workers. They drain the buffer and stop once ctx is
// done; use Wait to block until then.
func (p *Pipeline) Start(ctx context.Context) {
	p.logger.Info("starting processing pipeline", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

// Wait blocks until every worker has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close closes the current output. Call it after Wait.
func (p *Pipeline) Close() error {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if p.output == nil {
		return nil
	}
	return p.output.Close()
}

func (p *Pipeline) worker(ctx context.Context) {
	batch := make([][]byte, 0, p.batchSize.Load())

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.outMu.RLock()
		err := p.output.WriteBatch(batch)
		p.outMu.RUnlock()
		if err != nil {
			p.metrics.IncrementOutputErrors()
			p.logger.Error("output error", zap.Int("batch", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for item := p.buffer.Pop(); item != nil; item = p.buffer.Pop() {
				batch = p.process(ctx, batch, item)
			}
			flush()
			return
		case <-ticker.C:
			flush()
		default:
			item := p.buffer.Pop()
			if item == nil {
				time.Sleep(idleSleep)
				continue
			}
			batch = p.process(ctx, batch, item)
			if int64(len(batch)) >= p.batchSize.Load() {
				flush()
			}
		}
	}
}

// process runs item through the chain and appends what survives to batch.
func (p *Pipeline) process(ctx context.Context, batch [][]byte, item []byte) [][]byte {
	chain := p.chain.Load()
	usage := p.buffer.Usage()
	if chain.Bypassable() && float64(usage) > float64(p.buffer.Capacity())*bypassRatio {
		return append(batch, item)
	}

	processed, drop, err := chain.Process(ctx, item)
	if err != nil {
		p.logger.Warn("process error", zap.Error(err))
		return batch
	}
	if drop {
		p.metrics.IncrementProcessorDrops()
		return batch
	}
	return append(batch, processed)
}
