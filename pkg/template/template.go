// Package template renders event field references into strings.
//
// A template is plain text with references of the form:
//
//	%{name}          value of the field "name"
//	%{[outer][inner]} value of a nested field
//	%{+yyyy.MM.dd}   event timestamp, Joda-style format, UTC
//	%{+%s}           event timestamp as epoch seconds
//
// A reference whose field is absent is rendered back as its literal
// placeholder and reported in Result.Missing, so callers can decide how to
// treat the gap without losing the event.
package template

import (
	"strconv"
	"strings"
	"time"
)

// Lookup resolves a field reference. The boolean reports whether the field
// exists on the event.
type Lookup func(name string) (string, bool)

// Result is the outcome of rendering a template.
type Result struct {
	Text string
	// Missing lists the references that could not be resolved, in order of
	// appearance.
	Missing []string
}

// Complete reports whether every reference was resolved.
func (r Result) Complete() bool {
	return len(r.Missing) == 0
}

type segmentKind int

const (
	literalSegment segmentKind = iota
	fieldSegment
	timeSegment
	epochSegment
)

type segment struct {
	kind   segmentKind
	text   string // literal text, field name or raw time format
	tokens []timeToken
}

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	source   string
	segments []segment
}

// Compile parses text into a Template. Compilation never fails: an
// unterminated "%{" is kept as literal text.
func Compile(text string) *Template {
	t := &Template{source: text}
	rest := text
	for rest != "" {
		open := strings.Index(rest, "%{")
		if open < 0 {
			t.appendLiteral(rest)
			break
		}
		end := strings.IndexByte(rest[open+2:], '}')
		if end < 0 {
			t.appendLiteral(rest)
			break
		}
		if open > 0 {
			t.appendLiteral(rest[:open])
		}
		ref := rest[open+2 : open+2+end]
		switch {
		case ref == "+%s":
			t.segments = append(t.segments, segment{kind: epochSegment, text: ref})
		case strings.HasPrefix(ref, "+"):
			t.segments = append(t.segments, segment{
				kind:   timeSegment,
				text:   ref,
				tokens: parseTimeFormat(ref[1:]),
			})
		default:
			t.segments = append(t.segments, segment{kind: fieldSegment, text: ref})
		}
		rest = rest[open+2+end+1:]
	}
	return t
}

func (t *Template) appendLiteral(s string) {
	if n := len(t.segments); n > 0 && t.segments[n-1].kind == literalSegment {
		t.segments[n-1].text += s
		return
	}
	t.segments = append(t.segments, segment{kind: literalSegment, text: s})
}

// String returns the source text of the template.
func (t *Template) String() string {
	return t.source
}

// IsStatic reports whether the template contains no references.
func (t *Template) IsStatic() bool {
	for _, s := range t.segments {
		if s.kind != literalSegment {
			return false
		}
	}
	return true
}

// StaticPrefix returns the literal text preceding the first reference.
func (t *Template) StaticPrefix() string {
	if len(t.segments) > 0 && t.segments[0].kind == literalSegment {
		return t.segments[0].text
	}
	return ""
}

// Render substitutes references using lookup for fields and ts for time
// formats.
func (t *Template) Render(lookup Lookup, ts time.Time) Result {
	var (
		b   strings.Builder
		res Result
	)
	for _, s := range t.segments {
		switch s.kind {
		case literalSegment:
			b.WriteString(s.text)
		case fieldSegment:
			var (
				v  string
				ok bool
			)
			if lookup != nil {
				v, ok = lookup(s.text)
			}
			if !ok {
				res.Missing = append(res.Missing, s.text)
				b.WriteString(placeholder(s.text))
				continue
			}
			b.WriteString(v)
		case timeSegment, epochSegment:
			if ts.IsZero() {
				res.Missing = append(res.Missing, s.text)
				b.WriteString(placeholder(s.text))
				continue
			}
			if s.kind == epochSegment {
				b.WriteString(strconv.FormatInt(ts.Unix(), 10))
				continue
			}
			formatTime(&b, ts.UTC(), s.tokens)
		}
	}
	res.Text = b.String()
	return res
}

func placeholder(ref string) string {
	return "%{" + ref + "}"
}
