package filter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"docstore/api/internal/value"
)

// Predicate reports whether a document satisfies a compiled filter.
// Predicates hold no mutable state and may be shared across goroutines.
type Predicate func(doc map[string]any) bool

// evaluator receives the value resolved at its path; present is false when
// the key was missing or held null.
type evaluator func(current any, present bool) bool

// Compile parses tree and binds it into a Predicate.
func Compile(tree any, fields FieldMap) (Predicate, error) {
	node, err := Parse(tree, fields)
	if err != nil {
		return nil, err
	}
	return CompileNode(node), nil
}

// CompileNode binds an already parsed tree.
func CompileNode(node Node) Predicate {
	eval := build(node)
	return func(doc map[string]any) bool {
		return eval(doc, true)
	}
}

func build(node Node) evaluator {
	switch n := node.(type) {
	case *All:
		children := buildAll(n.Children)
		return func(current any, present bool) bool {
			for _, child := range children {
				if !child(current, present) {
					return false
				}
			}
			return true
		}
	case *Any:
		if len(n.Children) == 0 {
			return func(any, bool) bool { return true }
		}
		children := buildAll(n.Children)
		return func(current any, present bool) bool {
			for _, child := range children {
				if child(current, present) {
					return true
				}
			}
			return false
		}
	case *Field:
		inner := build(n.Node)
		name := n.Name
		return func(current any, present bool) bool {
			if !present {
				return inner(nil, false)
			}
			next, ok := value.Lookup(current, name)
			return inner(next, ok)
		}
	case *Combinator:
		return buildCombinator(n)
	case *Leaf:
		return buildLeaf(n)
	}
	return func(any, bool) bool { return false }
}

func buildAll(nodes []Node) []evaluator {
	out := make([]evaluator, len(nodes))
	for i, child := range nodes {
		out[i] = build(child)
	}
	return out
}

func buildCombinator(c *Combinator) evaluator {
	children := buildAll(c.Children)
	every := func(current any) bool {
		for _, child := range children {
			if !child(current, true) {
				return false
			}
		}
		return true
	}
	some := func(current any) bool {
		for _, child := range children {
			if child(current, true) {
				return true
			}
		}
		return false
	}
	var combine func(any) bool
	switch c.Kind {
	case OpAnd:
		combine = every
	case OpOr:
		combine = some
	case OpNor:
		combine = func(current any) bool { return !some(current) }
	default:
		combine = func(current any) bool { return !every(current) }
	}
	return func(current any, present bool) bool {
		if !present {
			return false
		}
		return combine(current)
	}
}

func buildLeaf(l *Leaf) evaluator {
	arg := l.Value
	switch l.Op {
	case OpNe:
		eq := equality(arg, l.Identity)
		return func(current any, present bool) bool {
			return !present || !eq(current)
		}
	case OpExists:
		want := arg.(bool)
		return func(current any, present bool) bool {
			exists := present && !isEmptyString(current)
			return exists == want
		}
	}

	test := leafTest(l)
	return func(current any, present bool) bool {
		return present && test(current)
	}
}

func leafTest(l *Leaf) func(any) bool {
	arg := l.Value
	switch l.Op {
	case OpEq:
		return equality(arg, l.Identity)
	case OpGt, OpGte, OpLt, OpLte:
		return ordering(l.Op, arg, l.Identity)
	case OpIn:
		return membership(arg, l.Identity)
	case OpNin:
		member := membership(arg, l.Identity)
		return func(current any) bool { return !member(current) }
	case OpSize:
		n, _ := value.Number(arg)
		want := int(n)
		return func(current any) bool {
			if s, ok := current.(string); ok {
				return utf8.RuneCountInString(s) == want
			}
			seq, ok := value.Seq(current)
			return ok && len(seq) == want
		}
	case OpContains:
		return func(current any) bool {
			found, ok := contains(current, arg)
			return ok && found
		}
	case OpExcept:
		return func(current any) bool {
			found, ok := contains(current, arg)
			return ok && !found
		}
	case OpSome, OpEvery, OpNone:
		return setTest(l.Op, arg)
	case OpMatch, OpIMatch:
		re := l.pattern
		if re == nil {
			re = mustPattern(l.Op, arg)
		}
		return func(current any) bool {
			if !value.IsScalar(current) {
				return false
			}
			return re.MatchString(value.Text(current))
		}
	}
	return func(any) bool { return false }
}

func equality(arg any, identity bool) func(any) bool {
	if identity {
		want := value.Text(arg)
		return func(current any) bool {
			return value.Text(current) == want
		}
	}
	return func(current any) bool {
		return value.Equal(current, arg)
	}
}

func ordering(op Operator, arg any, identity bool) func(any) bool {
	accept := func(cmp int) bool {
		switch op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	if identity {
		want := value.Text(arg)
		return func(current any) bool {
			return accept(strings.Compare(value.Text(current), want))
		}
	}
	return func(current any) bool {
		cmp, ok := value.Compare(current, arg)
		return ok && accept(cmp)
	}
}

func membership(arg any, identity bool) func(any) bool {
	options, _ := value.Seq(arg)
	tests := make([]func(any) bool, len(options))
	for i, option := range options {
		tests[i] = equality(option, identity)
	}
	return func(current any) bool {
		for _, test := range tests {
			if test(current) {
				return true
			}
		}
		return false
	}
}

// contains reports element membership for sequences and substring
// containment for strings; ok is false for any other field kind.
func contains(current, arg any) (found bool, ok bool) {
	if s, isString := current.(string); isString {
		needle, isText := arg.(string)
		if !isText {
			return false, true
		}
		return strings.Contains(s, needle), true
	}
	seq, isSeq := value.Seq(current)
	if !isSeq {
		return false, false
	}
	for _, item := range seq {
		if value.Equal(item, arg) {
			return true, true
		}
	}
	return false, true
}

func setTest(op Operator, arg any) func(any) bool {
	options, _ := value.Seq(arg)
	inOptions := func(item any) bool {
		for _, option := range options {
			if value.Equal(item, option) {
				return true
			}
		}
		return false
	}
	return func(current any) bool {
		items, ok := value.Seq(current)
		if !ok {
			return false
		}
		switch op {
		case OpSome:
			for _, item := range items {
				if inOptions(item) {
					return true
				}
			}
			return false
		case OpEvery:
			for _, item := range items {
				if !inOptions(item) {
					return false
				}
			}
			return true
		default:
			for _, item := range items {
				if inOptions(item) {
					return false
				}
			}
			return true
		}
	}
}

func isEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s == ""
}

func mustPattern(op Operator, arg any) *regexp.Regexp {
	pattern, _ := arg.(string)
	if op == OpIMatch {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return regexp.MustCompile(regexp.QuoteMeta(pattern))
	}
	return re
}
