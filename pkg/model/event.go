package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"spoolsink/pkg/template"
)

// TimestampField is the field carrying the event time.
const TimestampField = "@timestamp"

// MessageField holds the raw line for events that were not JSON objects.
const MessageField = "message"

// Event represents a single log event flowing through the system.
// It is immutable: fields are frozen into canonical JSON when it is built.
type Event struct {
	// Timestamp is the event time, mirrored in the "@timestamp" field.
	Timestamp time.Time

	// raw is compact JSON with sorted keys.
	raw []byte
}

// NewEvent builds an event from fields. The "@timestamp" field is always set
// from ts.
func NewEvent(fields map[string]any, ts time.Time) (*Event, error) {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m[TimestampField] = ts.UTC().Format(time.RFC3339Nano)
	return build(m, ts)
}

// ParseEvent builds an event from one ingested line. A JSON object becomes
// the field map, honouring an RFC 3339 "@timestamp" when present; anything
// else is wrapped as {"message": line}. now is used when the line carries no
// usable timestamp.
func ParseEvent(line []byte, now time.Time) (*Event, error) {
	line = bytes.TrimRight(line, "\r\n")
	trimmed := bytes.TrimSpace(line)

	if len(trimmed) > 0 && trimmed[0] == '{' && gjson.ValidBytes(trimmed) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ts := now
		if s, ok := fields[TimestampField].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
				ts = parsed
			}
		} else {
			fields[TimestampField] = now.UTC().Format(time.RFC3339Nano)
		}
		return build(fields, ts)
	}

	return NewEvent(map[string]any{MessageField: string(line)}, now)
}

func build(fields map[string]any, ts time.Time) (*Event, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &Event{Timestamp: ts, raw: raw}, nil
}

// JSON returns the canonical serialization. The slice must not be modified.
func (e *Event) JSON() []byte {
	return e.raw
}

// Lookup returns the string form of a field. Nested fields are addressed as
// "[outer][inner]"; a plain name is tried as a literal top-level key first
// and then as a dotted path. Null values count as absent.
func (e *Event) Lookup(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	var r gjson.Result
	if strings.HasPrefix(name, "[") {
		r = gjson.GetBytes(e.raw, bracketPath(name))
	} else {
		r = gjson.GetBytes(e.raw, escapeKey(name))
		if !r.Exists() && strings.Contains(name, ".") {
			r = gjson.GetBytes(e.raw, name)
		}
	}
	if !r.Exists() || r.Type == gjson.Null {
		return "", false
	}
	if r.Type == gjson.String {
		return r.Str, true
	}
	return r.Raw, true
}

// Sprintf renders format against the event's fields.
func (e *Event) Sprintf(format string) string {
	return template.Compile(format).Render(e.Lookup, e.Timestamp).Text
}

// bracketPath converts "[a][b.c]" into the gjson path `a.b\.c`.
func bracketPath(ref string) string {
	parts := strings.Split(strings.Trim(ref, "[]"), "][")
	for i, p := range parts {
		parts[i] = escapeKey(p)
	}
	return strings.Join(parts, ".")
}

func escapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}
