package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Condition is a boolean expression over request context attributes. The
// stored form is a JSON document parsed once at policy load time into this
// closed set of variants. A comparison against an attribute the request
// does not carry evaluates to false, never to an error.
type Condition interface {
	Eval(attrs map[string]any) bool
}

// And is true when every child condition is true.
type And struct {
	Children []Condition
}

// Or is true when at least one child condition is true.
type Or struct {
	Children []Condition
}

// Not negates its child condition.
type Not struct {
	Child Condition
}

// CompareOp enumerates the leaf comparison operators.
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNeq      CompareOp = "neq"
	OpLt       CompareOp = "lt"
	OpLte      CompareOp = "lte"
	OpGt       CompareOp = "gt"
	OpGte      CompareOp = "gte"
	OpIn       CompareOp = "in"
	OpContains CompareOp = "contains"
)

// Comparison is a leaf test of one attribute against a literal value.
type Comparison struct {
	Attr  string
	Op    CompareOp
	Value any
}

func (c And) Eval(attrs map[string]any) bool {
	for _, child := range c.Children {
		if !child.Eval(attrs) {
			return false
		}
	}
	return true
}

func (c Or) Eval(attrs map[string]any) bool {
	for _, child := range c.Children {
		if child.Eval(attrs) {
			return true
		}
	}
	return false
}

func (c Not) Eval(attrs map[string]any) bool {
	if c.Child == nil {
		return false
	}
	return !c.Child.Eval(attrs)
}

func (c Comparison) Eval(attrs map[string]any) bool {
	actual, ok := attrs[c.Attr]
	if !ok || actual == nil {
		return false
	}
	switch c.Op {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNeq:
		return !valuesEqual(actual, c.Value)
	case OpLt, OpLte, OpGt, OpGte:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
		return false
	case OpContains:
		switch haystack := actual.(type) {
		case string:
			needle, ok := c.Value.(string)
			return ok && strings.Contains(haystack, needle)
		case []any:
			for _, item := range haystack {
				if valuesEqual(item, c.Value) {
					return true
				}
			}
			return false
		case []string:
			needle, ok := c.Value.(string)
			if !ok {
				return false
			}
			for _, item := range haystack {
				if item == needle {
					return true
				}
			}
			return false
		}
		return false
	}
	return false
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

type conditionDoc struct {
	Op    string            `json:"op"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Attr  string            `json:"attr,omitempty"`
	Value any               `json:"value,omitempty"`
}

// ParseCondition decodes the stored JSON form of a condition. A nil or
// empty document yields a nil condition, meaning the policy matches
// unconditionally.
func ParseCondition(data []byte) (Condition, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var doc conditionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("authz: parse condition: %w", err)
	}
	return buildCondition(doc)
}

func buildCondition(doc conditionDoc) (Condition, error) {
	switch doc.Op {
	case "and", "or":
		if len(doc.Args) == 0 {
			return nil, fmt.Errorf("authz: %s condition needs arguments", doc.Op)
		}
		children := make([]Condition, 0, len(doc.Args))
		for _, raw := range doc.Args {
			child, err := ParseCondition(raw)
			if err != nil {
				return nil, err
			}
			if child == nil {
				return nil, errors.New("authz: null nested condition")
			}
			children = append(children, child)
		}
		if doc.Op == "and" {
			return And{Children: children}, nil
		}
		return Or{Children: children}, nil
	case "not":
		if len(doc.Args) != 1 {
			return nil, errors.New("authz: not condition needs exactly one argument")
		}
		child, err := ParseCondition(doc.Args[0])
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, errors.New("authz: null nested condition")
		}
		return Not{Child: child}, nil
	case string(OpEq), string(OpNeq), string(OpLt), string(OpLte),
		string(OpGt), string(OpGte), string(OpIn), string(OpContains):
		if strings.TrimSpace(doc.Attr) == "" {
			return nil, errors.New("authz: comparison needs an attribute name")
		}
		return Comparison{Attr: doc.Attr, Op: CompareOp(doc.Op), Value: doc.Value}, nil
	default:
		return nil, fmt.Errorf("authz: unknown condition op %q", doc.Op)
	}
}
