package engine

import (
	"bytes"
	"context"
)

// FilterProcessor drops entries containing any of the blocked words.
type FilterProcessor struct {
	name    string
	blocked [][]byte
}

func NewFilterProcessor(name string, blockWords []string) *FilterProcessor {
	blocked := make([][]byte, 0, len(blockWords))
	for _, w := range blockWords {
		if w == "" {
			continue
		}
		blocked = append(blocked, []byte(w))
	}
	return &FilterProcessor{name: name, blocked: blocked}
}

func (f *FilterProcessor) Name() string {
	return f.name
}

func (f *FilterProcessor) Process(_ context.Context, entry []byte) ([]byte, bool, error) {
	for _, word := range f.blocked {
		if bytes.Contains(entry, word) {
			return entry, true, nil
		}
	}
	return entry, false, nil
}
