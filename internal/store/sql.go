package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"docstore/api/internal/filter"
	"docstore/api/internal/query"
)

var sqlOps = map[filter.Operator]string{
	filter.OpLt:  "<",
	filter.OpLte: "<=",
	filter.OpGt:  ">",
	filter.OpGte: ">=",
}

// CompileClauses renders clauses as a parameterised SQL condition over the
// documents table. Placeholders start at $next. Field names and operands
// are always bound as parameters.
//
// jsonb equality is kind-strict and compares numbers numerically, which
// matches query.Clause.Match. Ranges are guarded by jsonb_typeof so a value
// of another kind never matches, and strings compare bytewise.
func CompileClauses(clauses []query.Clause, next int) (string, []any, error) {
	if len(clauses) == 0 {
		return "TRUE", nil, nil
	}
	var (
		parts []string
		args  []any
	)
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(next+len(args)-1)
	}

	for _, c := range clauses {
		if c.Identity {
			part, err := compileIdentity(c, param)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, part)
			continue
		}

		field := param(c.Field) + "::text"
		switch c.Op {
		case filter.OpEq:
			raw, err := json.Marshal(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("encode %s operand: %w", c.Field, err)
			}
			parts = append(parts, fmt.Sprintf("data -> %s = %s::jsonb", field, param(string(raw))))
		case filter.OpIn:
			raw, err := json.Marshal(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("encode %s operand: %w", c.Field, err)
			}
			parts = append(parts, fmt.Sprintf("data -> %s IN (SELECT jsonb_array_elements(%s::jsonb))", field, param(string(raw))))
		case filter.OpLt, filter.OpLte, filter.OpGt, filter.OpGte:
			cmp := sqlOps[c.Op]
			switch v := c.Value.(type) {
			case float64:
				parts = append(parts, fmt.Sprintf(
					"CASE WHEN jsonb_typeof(data -> %[1]s) = 'number' THEN (data ->> %[1]s)::numeric %[2]s (%[3]s::text)::numeric ELSE FALSE END",
					field, cmp, param(strconv.FormatFloat(v, 'g', -1, 64))))
			case string:
				parts = append(parts, fmt.Sprintf(
					"CASE WHEN jsonb_typeof(data -> %[1]s) = 'string' THEN (data ->> %[1]s) COLLATE \"C\" %[2]s %[3]s::text ELSE FALSE END",
					field, cmp, param(v)))
			default:
				return "", nil, fmt.Errorf("range operand for %s must be a number or string, got %T", c.Field, c.Value)
			}
		default:
			return "", nil, fmt.Errorf("operator %s cannot be pushed down", c.Op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func compileIdentity(c query.Clause, param func(any) string) (string, error) {
	switch c.Op {
	case filter.OpEq:
		return "id = " + param(c.Value) + "::text", nil
	case filter.OpIn:
		raw, err := json.Marshal(c.Value)
		if err != nil {
			return "", fmt.Errorf("encode id operand: %w", err)
		}
		return "id IN (SELECT jsonb_array_elements_text(" + param(string(raw)) + "::jsonb))", nil
	case filter.OpLt, filter.OpLte, filter.OpGt, filter.OpGte:
		return "id COLLATE \"C\" " + sqlOps[c.Op] + " " + param(c.Value) + "::text", nil
	}
	return "", fmt.Errorf("operator %s cannot be pushed down", c.Op)
}
