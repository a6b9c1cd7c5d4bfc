package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// Output defines where the processed logs go.
type Output interface {
	WriteBatch(entries [][]byte) error
	// Close releases resources; the output is not used afterwards.
	Close() error
}

// ConsoleOutput writes one entry per line to a writer, stdout by default.
type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleOutput() *ConsoleOutput {
	return NewWriterOutput(os.Stdout)
}

// NewWriterOutput writes entries to w.
func NewWriterOutput(w io.Writer) *ConsoleOutput {
	return &ConsoleOutput{w: w}
}

func (c *ConsoleOutput) WriteBatch(entries [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bw := bufio.NewWriter(c.w)
	for _, entry := range entries {
		if _, err := bw.Write(entry); err != nil {
			return fmt.Errorf("console output: %w", err)
		}
		if len(entry) == 0 || entry[len(entry)-1] != '\n' {
			if err := bw.WriteByte('\n'); err != nil {
				return fmt.Errorf("console output: %w", err)
			}
		}
	}
	return bw.Flush()
}

func (c *ConsoleOutput) Close() error {
	return nil
}
