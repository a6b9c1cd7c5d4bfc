package engine

import "context"

// Processor transforms or filters a single raw entry before it reaches the
// outputs.
type Processor interface {
	// Process returns the (possibly rewritten) entry and whether it should be
	// dropped. A dropped entry stops the chain.
	Process(ctx context.Context, entry []byte) ([]byte, bool, error)

	// Name identifies the processor in logs.
	Name() string
}

// Required is implemented by processors that must see every entry, even
// while the pipeline sheds load. A chain holding one is never bypassed.
type Required interface {
	Required() bool
}
