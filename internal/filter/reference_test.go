package filter

import (
	"encoding/json"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

// evaluate interprets a filter tree directly, without parsing it into
// nodes. It only understands the value shapes produced by the generators
// below (float64, string, bool, []any, map[string]any and nil).
func evaluate(tree any, current any, present, identity bool, fields FieldMap) bool {
	switch t := tree.(type) {
	case map[string]any:
		for key, arg := range t {
			var ok bool
			switch key {
			case "and", "or", "nor", "not":
				ok = present && refCombinator(key, arg.([]any), current, identity, fields)
			default:
				if IsOperator(key) {
					ok = refLeaf(key, arg, current, present, identity)
					break
				}
				var next any
				var has bool
				if m, isMap := current.(map[string]any); present && isMap {
					next, has = m[key]
					has = has && next != nil
				}
				ok = evaluate(arg, next, has, fields[key], fields)
			}
			if !ok {
				return false
			}
		}
		return true
	case []any:
		if len(t) == 0 {
			return true
		}
		for _, child := range t {
			if evaluate(child, current, present, identity, fields) {
				return true
			}
		}
		return false
	}
	return refLeaf("eq", tree, current, present, identity)
}

func refCombinator(kind string, children []any, current any, identity bool, fields FieldMap) bool {
	every, some := true, false
	for _, child := range children {
		if evaluate(child, current, true, identity, fields) {
			some = true
		} else {
			every = false
		}
	}
	switch kind {
	case "and":
		return every
	case "or":
		return some
	case "nor":
		return !some
	}
	return !every
}

func refText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

func refEqual(a, b any) bool {
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !refEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !refEqual(v, w) {
				return false
			}
		}
		return true
	}
	return a == b
}

func refCompare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func refLeaf(op string, arg, current any, present, identity bool) bool {
	eq := func(a, b any) bool {
		if identity {
			return refText(a) == refText(b)
		}
		return refEqual(a, b)
	}
	member := func(list []any, v any, eqFn func(a, b any) bool) bool {
		for _, item := range list {
			if eqFn(v, item) {
				return true
			}
		}
		return false
	}

	switch op {
	case "ne":
		return !present || !eq(current, arg)
	case "exists":
		has := present && current != ""
		return has == arg.(bool)
	}
	if !present {
		return false
	}

	switch op {
	case "eq":
		return eq(current, arg)
	case "gt", "gte", "lt", "lte":
		var cmp int
		if identity {
			cmp = strings.Compare(refText(current), refText(arg))
		} else {
			c, ok := refCompare(current, arg)
			if !ok {
				return false
			}
			cmp = c
		}
		switch op {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		}
		return cmp <= 0
	case "in":
		return member(arg.([]any), current, eq)
	case "nin":
		return !member(arg.([]any), current, eq)
	case "size":
		want := int(arg.(float64))
		switch c := current.(type) {
		case string:
			return utf8.RuneCountInString(c) == want
		case []any:
			return len(c) == want
		}
		return false
	case "contains", "except":
		var found bool
		switch c := current.(type) {
		case string:
			needle, ok := arg.(string)
			found = ok && strings.Contains(c, needle)
		case []any:
			found = member(c, arg, refEqual)
		default:
			return false
		}
		if op == "contains" {
			return found
		}
		return !found
	case "some", "every", "none":
		items, ok := current.([]any)
		if !ok {
			return false
		}
		options := arg.([]any)
		hits := 0
		for _, item := range items {
			if member(options, item, refEqual) {
				hits++
			}
		}
		switch op {
		case "some":
			return hits > 0
		case "every":
			return hits == len(items)
		}
		return hits == 0
	case "match", "imatch":
		switch current.(type) {
		case []any, map[string]any:
			return false
		}
		pattern := arg.(string)
		if op == "imatch" {
			pattern = "(?i)" + pattern
		}
		return regexp.MustCompile(pattern).MatchString(refText(current))
	}
	return false
}

var (
	genFields  = []string{"a", "b", "id", "tags", "nested"}
	genScalars = []any{0.0, 1.0, 2.0, "1", "x", "X", "", true, false}
	genLeafOps = []string{"eq", "ne", "gt", "gte", "lt", "lte", "in", "nin", "size", "contains", "some", "every", "except", "none", "exists", "match", "imatch"}
)

func genScalar(r *rand.Rand) any {
	return genScalars[r.Intn(len(genScalars))]
}

func genList(r *rand.Rand) []any {
	n := r.Intn(3)
	out := make([]any, n)
	for i := range out {
		out[i] = genScalar(r)
	}
	return out
}

func genLeafArg(r *rand.Rand, op string) any {
	switch op {
	case "gt", "gte", "lt", "lte":
		for {
			if v := genScalar(r); v != "" || r.Intn(2) == 0 {
				return v
			}
		}
	case "in", "nin", "some", "every", "none":
		return genList(r)
	case "size":
		return float64(r.Intn(3))
	case "exists":
		return r.Intn(2) == 0
	case "match", "imatch":
		return []string{"^x", "1", "tr", "^$"}[r.Intn(4)]
	}
	return genScalar(r)
}

func genCondition(r *rand.Rand, depth int) any {
	switch r.Intn(5) {
	case 0:
		return genScalar(r)
	case 1:
		n := 1 + r.Intn(2)
		out := make([]any, n)
		for i := range out {
			out[i] = genCondition(r, depth)
		}
		return out
	case 2:
		if depth > 0 {
			return genTree(r, depth-1)
		}
	}
	ops := map[string]any{}
	for i := 0; i < 1+r.Intn(2); i++ {
		op := genLeafOps[r.Intn(len(genLeafOps))]
		ops[op] = genLeafArg(r, op)
	}
	if depth > 0 && r.Intn(4) == 0 {
		kind := []string{"and", "or", "nor", "not"}[r.Intn(4)]
		ops[kind] = []any{genOpsOnly(r)}
	}
	return ops
}

func genOpsOnly(r *rand.Rand) map[string]any {
	op := genLeafOps[r.Intn(len(genLeafOps))]
	return map[string]any{op: genLeafArg(r, op)}
}

func genTree(r *rand.Rand, depth int) map[string]any {
	tree := map[string]any{}
	for i := 0; i < 1+r.Intn(2); i++ {
		if depth > 0 && r.Intn(5) == 0 {
			kind := []string{"and", "or", "nor", "not"}[r.Intn(4)]
			children := make([]any, 1+r.Intn(2))
			for j := range children {
				children[j] = genTree(r, depth-1)
			}
			tree[kind] = children
			continue
		}
		tree[genFields[r.Intn(len(genFields))]] = genCondition(r, depth)
	}
	return tree
}

func genFieldValue(r *rand.Rand, depth int) (any, bool) {
	switch r.Intn(6) {
	case 0:
		return nil, false
	case 1:
		return nil, true
	case 2:
		return genList(r), true
	case 3:
		if depth > 0 {
			return genDoc(r, depth-1), true
		}
	}
	return genScalar(r), true
}

func genDoc(r *rand.Rand, depth int) map[string]any {
	doc := map[string]any{}
	for _, field := range genFields {
		if field == "id" {
			doc["id"] = []any{1.0, 2.0, "1", "2"}[r.Intn(4)]
			continue
		}
		if v, ok := genFieldValue(r, depth); ok {
			doc[field] = v
		}
	}
	return doc
}

func TestCompileAgreesWithReferenceInterpreter(t *testing.T) {
	r := rand.New(rand.NewSource(20240501))
	fields := DefaultFields()
	for i := 0; i < 500; i++ {
		tree := genTree(r, 2)
		pred, err := Compile(tree, fields)
		require.NoError(t, err, "tree %v", tree)
		for j := 0; j < 8; j++ {
			doc := genDoc(r, 1)
			want := evaluate(tree, doc, true, false, fields)
			require.Equal(t, want, pred(doc), "tree %v doc %v", tree, doc)
		}
	}
}
