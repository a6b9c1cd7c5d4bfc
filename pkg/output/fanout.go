package output

import (
	"sync"

	"go.uber.org/multierr"
)

// FanOutOutput writes to multiple outputs in parallel.
type FanOutOutput struct {
	outputs []Output
}

func NewFanOutOutput(outputs ...Output) *FanOutOutput {
	return &FanOutOutput{
		outputs: outputs,
	}
}

// WriteBatch hands the same batch to every output and waits for all of them.
// Outputs must not modify the entries.
func (f *FanOutOutput) WriteBatch(entries [][]byte) error {
	var wg sync.WaitGroup
	errs := make([]error, len(f.outputs))

	for i, out := range f.outputs {
		wg.Add(1)
		go func(idx int, o Output) {
			defer wg.Done()
			errs[idx] = o.WriteBatch(entries)
		}(i, out)
	}
	wg.Wait()

	return multierr.Combine(errs...)
}

func (f *FanOutOutput) Close() error {
	var err error
	for _, out := range f.outputs {
		err = multierr.Append(err, out.Close())
	}
	return err
}
