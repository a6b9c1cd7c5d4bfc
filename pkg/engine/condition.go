package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Operator is the comparison applied by a Condition.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpRegex     Operator = "regex"
	OpExists    Operator = "exists"
)

// wellKnownPaths lists where common attributes live in the event shapes we
// ingest: flat keys, Logstash-style nesting and OTel log records.
var wellKnownPaths = map[string][]string{
	"service.name": {
		`service\.name`,
		`service.name`,
		`resource.attributes.service\.name`,
		`resourceAttributes.service\.name`,
	},
	"host.name": {
		`host\.name`,
		`host.name`,
		`host`,
		`hostname`,
	},
	"log.level": {
		`log\.level`,
		`log.level`,
		`level`,
		`severity`,
		`severityText`,
	},
	"http.status_code": {
		`http\.status_code`,
		`http.status_code`,
		`attributes.http\.status_code`,
	},
}

// genericPaths are tried for attributes without a well-known entry.
var genericPaths = []string{
	"%s",
	"attributes.%s",
	"resource.attributes.%s",
	"resourceAttributes.%s",
	"fields.%s",
}

// ConditionConfig describes a Condition. Exactly one of Attribute or Path
// is set. Path accepts "a/b/c" or "[a][b][c]".
type ConditionConfig struct {
	Attribute string
	Path      string
	Operator  Operator
	Value     string
}

// Condition matches a JSON entry on one attribute.
type Condition struct {
	attr     string
	path     string // gjson syntax
	operator Operator
	value    string
	regex    *regexp.Regexp
}

// NewCondition validates cfg and compiles it.
func NewCondition(cfg ConditionConfig) (*Condition, error) {
	if cfg.Attribute == "" && cfg.Path == "" {
		return nil, errors.New("either attribute or path must be specified")
	}
	if cfg.Attribute != "" && cfg.Path != "" {
		return nil, errors.New("cannot specify both attribute and path")
	}

	c := &Condition{
		attr:     cfg.Attribute,
		operator: cfg.Operator,
		value:    cfg.Value,
	}
	if cfg.Path != "" {
		c.path = toGjsonPath(cfg.Path)
	}
	switch c.operator {
	case "":
		c.operator = OpEquals
	case OpEquals, OpNotEquals, OpContains, OpExists:
	case OpRegex:
		re, err := regexp.Compile(cfg.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		c.regex = re
	default:
		return nil, fmt.Errorf("unknown operator %q", cfg.Operator)
	}
	return c, nil
}

// Match reports whether entry satisfies the condition. Entries that are not
// JSON, or lack the attribute, never match (except for not_equals, which
// matches an absent attribute).
func (c *Condition) Match(entry []byte) bool {
	if !gjson.ValidBytes(entry) {
		return false
	}
	v := c.lookup(entry)
	if !v.Exists() {
		return c.operator == OpNotEquals
	}

	s := v.String()
	switch c.operator {
	case OpEquals:
		return s == c.value
	case OpNotEquals:
		return s != c.value
	case OpContains:
		return strings.Contains(s, c.value)
	case OpRegex:
		return c.regex.MatchString(s)
	case OpExists:
		return true
	}
	return false
}

func (c *Condition) lookup(entry []byte) gjson.Result {
	if c.path != "" {
		return gjson.GetBytes(entry, c.path)
	}
	for _, p := range wellKnownPaths[c.attr] {
		if r := gjson.GetBytes(entry, p); r.Exists() {
			return r
		}
	}
	escaped := strings.ReplaceAll(c.attr, ".", `\.`)
	for _, tpl := range genericPaths {
		if r := gjson.GetBytes(entry, fmt.Sprintf(tpl, escaped)); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// toGjsonPath converts "a/b.c" or "[a][b.c]" into `a.b\.c`.
func toGjsonPath(p string) string {
	var parts []string
	if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "]") {
		parts = strings.Split(p[1:len(p)-1], "][")
	} else {
		parts = strings.Split(p, "/")
	}
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(part, ".", `\.`)
	}
	return strings.Join(parts, ".")
}

// AttributeFilterProcessor drops entries matching a Condition.
type AttributeFilterProcessor struct {
	name string
	cond *Condition
}

func NewAttributeFilterProcessor(name string, cfg ConditionConfig) (*AttributeFilterProcessor, error) {
	cond, err := NewCondition(cfg)
	if err != nil {
		return nil, fmt.Errorf("attribute filter %s: %w", name, err)
	}
	return &AttributeFilterProcessor{name: name, cond: cond}, nil
}

func (p *AttributeFilterProcessor) Required() bool {
	return true
}

func (p *AttributeFilterProcessor) Name() string {
	return p.name
}

func (p *AttributeFilterProcessor) Process(_ context.Context, entry []byte) ([]byte, bool, error) {
	return entry, p.cond.Match(entry), nil
}
