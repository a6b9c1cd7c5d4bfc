package engine

import (
	"context"
	"fmt"
)

// ProcessorChain runs processors in order. It is immutable; the pipeline
// swaps whole chains.
type ProcessorChain struct {
	processors []Processor
	bypassable bool
}

// NewProcessorChain creates a chain with the given list of processors.
func NewProcessorChain(processors ...Processor) *ProcessorChain {
	c := &ProcessorChain{
		processors: processors,
		bypassable: true,
	}
	for _, p := range processors {
		if r, ok := p.(Required); ok && r.Required() {
			c.bypassable = false
		}
	}
	return c
}

// Bypassable reports whether entries may skip the chain under load.
func (c *ProcessorChain) Bypassable() bool {
	return c.bypassable
}

// Len returns the number of processors.
func (c *ProcessorChain) Len() int {
	return len(c.processors)
}

// Process runs the entry through all processors in the chain.
// It stops at the first drop or error.
func (c *ProcessorChain) Process(ctx context.Context, entry []byte) ([]byte, bool, error) {
	var (
		drop bool
		err  error
	)
	for _, p := range c.processors {
		entry, drop, err = p.Process(ctx, entry)
		if err != nil {
			return entry, false, fmt.Errorf("processor %s: %w", p.Name(), err)
		}
		if drop {
			return entry, true, nil
		}
	}
	return entry, false, nil
}
