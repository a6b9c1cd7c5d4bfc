package engine

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
)

// RedactionProcessor masks sensitive values before they are spooled to disk.
// The target is either a literal or, when compiled with NewRegexRedaction,
// a regular expression.
type RedactionProcessor struct {
	name   string
	target []byte
	re     *regexp.Regexp
	mask   []byte
}

func NewRedactionProcessor(name, target, mask string) *RedactionProcessor {
	return &RedactionProcessor{
		name:   name,
		target: []byte(target),
		mask:   []byte(mask),
	}
}

// NewRegexRedaction masks every match of pattern.
func NewRegexRedaction(name, pattern, mask string) (*RedactionProcessor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("redaction %s: %w", name, err)
	}
	return &RedactionProcessor{name: name, re: re, mask: []byte(mask)}, nil
}

// Required reports true; masking is never skipped.
func (r *RedactionProcessor) Required() bool {
	return true
}

func (r *RedactionProcessor) Name() string {
	return r.name
}

// Process returns a new slice when something was masked; the input is left
// untouched.
func (r *RedactionProcessor) Process(_ context.Context, entry []byte) ([]byte, bool, error) {
	if r.re != nil {
		if !r.re.Match(entry) {
			return entry, false, nil
		}
		return r.re.ReplaceAllLiteral(entry, r.mask), false, nil
	}
	if len(r.target) == 0 || !bytes.Contains(entry, r.target) {
		return entry, false, nil
	}
	return bytes.ReplaceAll(entry, r.target, r.mask), false, nil
}
