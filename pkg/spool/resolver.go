package spool

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"spoolsink/pkg/model"
	"spoolsink/pkg/template"
)

// DefaultFilenameFailure receives events whose resolved path escapes the
// static root of the path template.
const DefaultFilenameFailure = "_filepath_failures"

// Target is the per-event resolution of the sink templates.
type Target struct {
	ActivePath string
	SpoolDir   string
	MaxSize    int64
	// Gaps lists template references that could not be resolved. A gap
	// never aborts the event.
	Gaps []string
	// Redirected is set when ActivePath was replaced by the failure file.
	Redirected bool
}

// Resolver derives active path, spool directory and size threshold from an
// event. It has no side effects.
type Resolver struct {
	path     *template.Template
	spoolDir *template.Template
	maxSize  *template.Template
	message  *template.Template // nil means canonical JSON

	root            string
	filenameFailure string
}

// NewResolver compiles the sink templates. messageFormat may be empty.
func NewResolver(path, spoolDir, maxSize, messageFormat, filenameFailure string) *Resolver {
	r := &Resolver{
		path:            template.Compile(path),
		spoolDir:        template.Compile(spoolDir),
		maxSize:         template.Compile(maxSize),
		filenameFailure: filenameFailure,
	}
	if messageFormat != "" {
		r.message = template.Compile(messageFormat)
	}
	if r.filenameFailure == "" {
		r.filenameFailure = DefaultFilenameFailure
	}
	if !r.path.IsStatic() {
		r.root = staticRoot(r.path.StaticPrefix())
	}
	return r
}

// Resolve renders the templates against ev.
func (r *Resolver) Resolve(ev *model.Event) Target {
	var t Target

	p := r.path.Render(ev.Lookup, ev.Timestamp)
	// Cleaned so that one file has one cache entry and one lock.
	t.ActivePath = p.Text
	if t.ActivePath != "" {
		t.ActivePath = filepath.Clean(t.ActivePath)
	}
	t.Gaps = append(t.Gaps, p.Missing...)
	if r.root != "" && !inside(r.root, t.ActivePath) {
		t.ActivePath = filepath.Join(r.root, r.filenameFailure)
		t.Redirected = true
	}

	d := r.spoolDir.Render(ev.Lookup, ev.Timestamp)
	t.SpoolDir = d.Text
	t.Gaps = append(t.Gaps, d.Missing...)

	s := r.maxSize.Render(ev.Lookup, ev.Timestamp)
	t.Gaps = append(t.Gaps, s.Missing...)
	size, ok := ParseSize(s.Text)
	if !ok {
		t.Gaps = append(t.Gaps, "max_size")
	}
	t.MaxSize = size
	return t
}

// Render produces the record bytes for ev, without the separator.
func (r *Resolver) Render(ev *model.Event) []byte {
	if r.message == nil {
		return ev.JSON()
	}
	return []byte(r.message.Render(ev.Lookup, ev.Timestamp).Text)
}

// ParseSize reads a size threshold in bytes. It accepts a plain integer, a
// human size such as "10MB" or "512KiB", or a number followed by anything,
// of which only the leading digits count. ok is false when no digits lead
// the text; the size is then 0.
func ParseSize(s string) (size int64, ok bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return max(n, 0), true
	}
	if n, err := humanize.ParseBytes(s); err == nil && n <= 1<<62 {
		return int64(n), true
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// staticRoot is the directory part of the literal prefix of a path template.
func staticRoot(prefix string) string {
	if prefix == "" {
		return ""
	}
	if strings.HasSuffix(prefix, string(filepath.Separator)) {
		return filepath.Clean(prefix)
	}
	dir := filepath.Dir(prefix)
	if dir == "." {
		return ""
	}
	return dir
}

func inside(root, path string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
