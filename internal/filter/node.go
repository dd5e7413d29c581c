// Package filter compiles nested Mongo-style filter trees into predicates
// over decoded JSON documents.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"docstore/api/internal/value"
)

// Operator names a leaf or combinator of the filter grammar.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNin      Operator = "nin"
	OpSize     Operator = "size"
	OpContains Operator = "contains"
	OpSome     Operator = "some"
	OpEvery    Operator = "every"
	OpExcept   Operator = "except"
	OpNone     Operator = "none"
	OpExists   Operator = "exists"
	OpMatch    Operator = "match"
	OpIMatch   Operator = "imatch"
	OpAnd      Operator = "and"
	OpOr       Operator = "or"
	OpNor      Operator = "nor"
	OpNot      Operator = "not"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpNin: {}, OpSize: {}, OpContains: {}, OpSome: {},
	OpEvery: {}, OpExcept: {}, OpNone: {}, OpExists: {}, OpMatch: {},
	OpIMatch: {}, OpAnd: {}, OpOr: {}, OpNor: {}, OpNot: {},
}

// IsOperator reports whether name belongs to the operator vocabulary.
func IsOperator(name string) bool {
	_, ok := operators[Operator(name)]
	return ok
}

// IsCombinator reports whether op composes child filter mappings.
func (op Operator) IsCombinator() bool {
	switch op {
	case OpAnd, OpOr, OpNor, OpNot:
		return true
	}
	return false
}

// FieldMap flags the logical fields whose comparisons run on text form.
type FieldMap map[string]bool

// DefaultFields treats only "id" as an identity field.
func DefaultFields() FieldMap {
	return FieldMap{"id": true}
}

// Node is a parsed filter tree.
type Node interface {
	node()
}

// Leaf applies one operator to the value resolved at Path.
type Leaf struct {
	Path     []string
	Op       Operator
	Value    any
	Identity bool

	pattern *regexp.Regexp
}

// Field resolves Name off the current value and evaluates Node against it.
type Field struct {
	Name     string
	Identity bool
	Node     Node
}

// Combinator is one of the explicit and/or/nor/not operators.
type Combinator struct {
	Kind     Operator
	Children []Node
}

// All conjoins the sibling keys of one mapping.
type All struct {
	Children []Node
}

// Any disjoins the members of a sequence of filter nodes.
type Any struct {
	Children []Node
}

func (*Leaf) node()       {}
func (*Field) node()      {}
func (*Combinator) node() {}
func (*All) node()        {}
func (*Any) node()        {}

// MalformedError reports an operator whose argument has the wrong shape.
type MalformedError struct {
	Path   string
	Op     Operator
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("malformed filter: %s %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("malformed filter at %s: %s %s", e.Path, e.Op, e.Reason)
}

// Parse walks tree into a Node. Keys naming an operator become leaves or
// combinators; every other key descends into a field of that name.
func Parse(tree any, fields FieldMap) (Node, error) {
	if fields == nil {
		fields = DefaultFields()
	}
	p := parser{fields: fields}
	return p.parse(tree, nil, false)
}

type parser struct {
	fields FieldMap
}

func (p parser) parse(tree any, path []string, identity bool) (Node, error) {
	if m, ok := value.Map(tree); ok {
		return p.parseMapping(m, path, identity)
	}
	if seq, ok := value.Seq(tree); ok {
		children := make([]Node, 0, len(seq))
		for _, item := range seq {
			child, err := p.parse(item, path, identity)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return &Any{Children: children}, nil
	}
	return p.leaf(path, OpEq, tree, identity)
}

func (p parser) parseMapping(m map[string]any, path []string, identity bool) (Node, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	all := &All{Children: make([]Node, 0, len(keys))}
	for _, key := range keys {
		arg := m[key]
		if IsOperator(key) {
			op := Operator(key)
			var (
				child Node
				err   error
			)
			if op.IsCombinator() {
				child, err = p.combinator(path, op, arg, identity)
			} else {
				child, err = p.leaf(path, op, arg, identity)
			}
			if err != nil {
				return nil, err
			}
			all.Children = append(all.Children, child)
			continue
		}

		fieldIdentity := p.fields[key]
		childPath := append(append([]string(nil), path...), key)
		inner, err := p.parse(arg, childPath, fieldIdentity)
		if err != nil {
			return nil, err
		}
		all.Children = append(all.Children, &Field{Name: key, Identity: fieldIdentity, Node: inner})
	}
	return all, nil
}

func (p parser) combinator(path []string, op Operator, arg any, identity bool) (Node, error) {
	seq, ok := value.Seq(arg)
	if !ok {
		return nil, malformed(path, op, "expects a sequence of filter mappings")
	}
	c := &Combinator{Kind: op, Children: make([]Node, 0, len(seq))}
	for _, item := range seq {
		m, ok := value.Map(item)
		if !ok {
			return nil, malformed(path, op, "expects a sequence of filter mappings")
		}
		child, err := p.parseMapping(m, path, identity)
		if err != nil {
			return nil, err
		}
		c.Children = append(c.Children, child)
	}
	return c, nil
}

func (p parser) leaf(path []string, op Operator, arg any, identity bool) (Node, error) {
	l := &Leaf{Path: path, Op: op, Value: arg, Identity: identity}
	kind := value.KindOf(arg)
	switch op {
	case OpEq, OpNe, OpContains, OpExcept:
		if kind == value.KindOther {
			return nil, malformed(path, op, fmt.Sprintf("cannot compare a value of type %T", arg))
		}
	case OpGt, OpGte, OpLt, OpLte:
		if !value.IsScalar(arg) || kind == value.KindOther || kind == value.KindNull {
			return nil, malformed(path, op, "expects a scalar operand")
		}
	case OpIn, OpNin, OpSome, OpEvery, OpNone:
		if _, ok := value.Seq(arg); !ok {
			return nil, malformed(path, op, "expects a sequence")
		}
	case OpSize:
		n, ok := value.Number(arg)
		if !ok || n < 0 || n != float64(int64(n)) {
			return nil, malformed(path, op, "expects a non-negative integer")
		}
	case OpExists:
		if _, ok := arg.(bool); !ok {
			return nil, malformed(path, op, "expects a boolean")
		}
	case OpMatch, OpIMatch:
		pattern, ok := arg.(string)
		if !ok {
			return nil, malformed(path, op, "expects a regular expression string")
		}
		if op == OpIMatch {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, malformed(path, op, "has an invalid pattern: "+err.Error())
		}
		l.pattern = re
	default:
		return nil, malformed(path, op, "is not a leaf operator")
	}
	return l, nil
}

func malformed(path []string, op Operator, reason string) *MalformedError {
	return &MalformedError{Path: strings.Join(path, "."), Op: op, Reason: reason}
}
