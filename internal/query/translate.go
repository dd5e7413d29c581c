// Package query splits a filter tree into clauses a document store can
// evaluate natively and a residual tree evaluated in memory.
package query

import (
	"sort"

	"docstore/api/internal/filter"
	"docstore/api/internal/value"
)

// IDField is the identity field pushed against the store's record key.
const IDField = "id"

// Clause is one pushed-down comparison on a top-level field.
type Clause struct {
	Field string
	Op    filter.Operator
	// Value is a scalar for eq and ranges and a []any for in. Identity
	// clauses carry text operands.
	Value    any
	Identity bool
}

// Translation is the result of splitting a filter tree.
type Translation struct {
	Clauses  []Clause
	Residual map[string]any
}

// Pushed reports whether at least one clause can run natively.
func (t Translation) Pushed() bool {
	return len(t.Clauses) > 0
}

var pushable = map[filter.Operator]bool{
	filter.OpEq:  true,
	filter.OpLt:  true,
	filter.OpGt:  true,
	filter.OpLte: true,
	filter.OpGte: true,
	filter.OpIn:  true,
}

// Translate extracts the pushable clauses of tree. The tree is validated
// first, so a malformed tree fails here exactly as it would in
// filter.Compile. Evaluating the residual over the rows selected by the
// clauses is equivalent to evaluating tree over the whole collection.
func Translate(tree map[string]any, fields filter.FieldMap) (Translation, error) {
	if fields == nil {
		fields = filter.DefaultFields()
	}
	if _, err := filter.Parse(tree, fields); err != nil {
		return Translation{}, err
	}

	out := Translation{Residual: map[string]any{}}
	for key, node := range tree {
		if filter.IsOperator(key) || key == filter.QueryKey || !canPushField(key, fields) {
			out.Residual[key] = node
			continue
		}
		identity := fields[key]

		ops, isMap := value.Map(node)
		if !isMap {
			if _, isSeq := value.Seq(node); !isSeq {
				if c, ok := clause(key, filter.OpEq, node, identity); ok {
					out.Clauses = append(out.Clauses, c)
					continue
				}
			}
			out.Residual[key] = node
			continue
		}

		rest := map[string]any{}
		for op, arg := range ops {
			if pushable[filter.Operator(op)] {
				if c, ok := clause(key, filter.Operator(op), arg, identity); ok {
					out.Clauses = append(out.Clauses, c)
					continue
				}
			}
			rest[op] = arg
		}
		if len(rest) > 0 {
			out.Residual[key] = rest
		}
	}

	sort.SliceStable(out.Clauses, func(i, j int) bool {
		if out.Clauses[i].Field != out.Clauses[j].Field {
			return out.Clauses[i].Field < out.Clauses[j].Field
		}
		return out.Clauses[i].Op < out.Clauses[j].Op
	})
	return out, nil
}

func canPushField(key string, fields filter.FieldMap) bool {
	if key == "" {
		return false
	}
	return !fields[key] || key == IDField
}

func clause(field string, op filter.Operator, arg any, identity bool) (Clause, bool) {
	if op == filter.OpIn {
		items, ok := value.Seq(arg)
		if !ok || len(items) == 0 {
			return Clause{}, false
		}
		list := make([]any, len(items))
		for i, item := range items {
			operand, ok := scalar(op, item, identity)
			if !ok {
				return Clause{}, false
			}
			list[i] = operand
		}
		return Clause{Field: field, Op: op, Value: list, Identity: identity}, true
	}
	operand, ok := scalar(op, arg, identity)
	if !ok {
		return Clause{}, false
	}
	return Clause{Field: field, Op: op, Value: operand, Identity: identity}, true
}

// scalar normalises a pushable operand: numbers become float64, identity
// operands become text. Nulls, dates and structured values are refused.
func scalar(op filter.Operator, v any, identity bool) (any, bool) {
	kind := value.KindOf(v)
	if identity {
		switch kind {
		case value.KindNumber, value.KindString, value.KindBool:
			return value.Text(v), true
		}
		return nil, false
	}
	switch kind {
	case value.KindNumber:
		n, _ := value.Number(v)
		return n, true
	case value.KindString:
		return v, true
	case value.KindBool:
		if op == filter.OpEq || op == filter.OpIn {
			return v, true
		}
	}
	return nil, false
}

// Match evaluates the clause in memory. Stores without a native query
// engine use it directly and native compilations must agree with it.
func (c Clause) Match(doc map[string]any) bool {
	current, ok := value.Lookup(doc, c.Field)
	if !ok {
		return false
	}
	if c.Identity {
		return c.matchText(value.Text(current))
	}
	switch c.Op {
	case filter.OpEq:
		return value.Equal(current, c.Value)
	case filter.OpIn:
		items, _ := c.Value.([]any)
		for _, item := range items {
			if value.Equal(current, item) {
				return true
			}
		}
		return false
	}
	if value.KindOf(current) != value.KindOf(c.Value) {
		return false
	}
	cmp, ok := value.Compare(current, c.Value)
	return ok && accept(c.Op, cmp)
}

func (c Clause) matchText(current string) bool {
	switch c.Op {
	case filter.OpEq:
		return current == c.Value
	case filter.OpIn:
		items, _ := c.Value.([]any)
		for _, item := range items {
			if current == item {
				return true
			}
		}
		return false
	}
	want, _ := c.Value.(string)
	switch {
	case current < want:
		return accept(c.Op, -1)
	case current > want:
		return accept(c.Op, 1)
	}
	return accept(c.Op, 0)
}

func accept(op filter.Operator, cmp int) bool {
	switch op {
	case filter.OpGt:
		return cmp > 0
	case filter.OpGte:
		return cmp >= 0
	case filter.OpLt:
		return cmp < 0
	case filter.OpLte:
		return cmp <= 0
	}
	return false
}

// MatchAll reports whether doc satisfies every clause.
func MatchAll(clauses []Clause, doc map[string]any) bool {
	for _, c := range clauses {
		if !c.Match(doc) {
			return false
		}
	}
	return true
}
