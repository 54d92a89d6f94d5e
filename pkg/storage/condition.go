package storage

import (
	"fmt"
	"strings"

	"github.com/ritzau/provgraph/pkg/model"
)

// Op is a comparison operator in a filter condition.
type Op string

const (
	OpEq   Op = "="
	OpNe   Op = "!="
	OpLike Op = "LIKE" // % matches any run, _ matches one character
)

// Condition compares one annotation, or one of the identity keys
// model.PrimaryKey, model.ChildKey and model.ParentKey, against a value.
type Condition struct {
	Key   string `json:"key"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Eq is shorthand for an equality condition.
func Eq(key, value string) Condition {
	return Condition{Key: key, Op: OpEq, Value: value}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Key, c.Op, c.Value)
}

// Filter is a conjunction of conditions. The empty filter matches all.
type Filter []Condition

// ByKey selects a single element by primary key.
func ByKey(key string) Filter { return Filter{Eq(model.PrimaryKey, key)} }

func (f Filter) String() string {
	parts := make([]string, len(f))
	for i, c := range f {
		parts[i] = c.String()
	}
	return strings.Join(parts, " AND ")
}

// Validate checks every operator.
func (f Filter) Validate() error {
	for _, c := range f {
		switch c.Op {
		case OpEq, OpNe, OpLike:
		default:
			return fmt.Errorf("%w: unsupported operator %q in %q", ErrInvalidFilter, c.Op, c.Key)
		}
	}
	return nil
}

// PrimaryKey returns the value of an equality on the primary key.
func (f Filter) PrimaryKey() (string, bool) {
	for _, c := range f {
		if c.Key == model.PrimaryKey && c.Op == OpEq {
			return c.Value, true
		}
	}
	return "", false
}

// MatchVertex evaluates the filter against a vertex.
func (f Filter) MatchVertex(v *model.Vertex) bool {
	for _, c := range f {
		var (
			val string
			ok  bool
		)
		if c.Key == model.PrimaryKey {
			val, ok = v.Key(), true
		} else {
			val, ok = v.Get(c.Key)
		}
		if !c.match(val, ok) {
			return false
		}
	}
	return true
}

// MatchEdge evaluates the filter against an edge.
func (f Filter) MatchEdge(e *model.Edge) bool {
	for _, c := range f {
		var (
			val string
			ok  = true
		)
		switch c.Key {
		case model.PrimaryKey:
			val = e.Key()
		case model.ChildKey:
			val = e.ChildKey()
		case model.ParentKey:
			val = e.ParentKey()
		default:
			val, ok = e.Get(c.Key)
		}
		if !c.match(val, ok) {
			return false
		}
	}
	return true
}

func (c Condition) match(val string, present bool) bool {
	switch c.Op {
	case OpEq:
		return present && val == c.Value
	case OpNe:
		return !present || val != c.Value
	case OpLike:
		return present && Like(val, c.Value)
	}
	return false
}

// Like matches s against a SQL LIKE pattern, case-sensitively.
func Like(s, pattern string) bool {
	str, pat := []rune(s), []rune(pattern)
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(pat) && (pat[pi] == '_' || pat[pi] == str[si]):
			si++
			pi++
		case pi < len(pat) && pat[pi] == '%':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '%' {
		pi++
	}
	return pi == len(pat)
}

// ParseCondition parses "key=value", "key!=value" or "key LIKE pattern".
func ParseCondition(s string) (Condition, error) {
	if i := strings.Index(s, " LIKE "); i > 0 {
		return Condition{Key: strings.TrimSpace(s[:i]), Op: OpLike, Value: strings.TrimSpace(s[i+6:])}, nil
	}
	if i := strings.Index(s, "!="); i > 0 {
		return Condition{Key: strings.TrimSpace(s[:i]), Op: OpNe, Value: strings.TrimSpace(s[i+2:])}, nil
	}
	if i := strings.Index(s, "="); i > 0 {
		return Condition{Key: strings.TrimSpace(s[:i]), Op: OpEq, Value: strings.TrimSpace(s[i+1:])}, nil
	}
	return Condition{}, fmt.Errorf("%w: cannot parse condition %q", ErrInvalidFilter, s)
}

// ParseFilter parses conditions joined by " AND ".
func ParseFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var f Filter
	for _, part := range strings.Split(expr, " AND ") {
		c, err := ParseCondition(part)
		if err != nil {
			return nil, err
		}
		f = append(f, c)
	}
	return f, nil
}
