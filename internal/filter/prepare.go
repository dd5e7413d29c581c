package filter

import (
	"regexp"
	"sort"
	"strings"

	"docstore/api/internal/value"
)

const (
	// QueryKey selects free-text mode at the top level of a filter.
	QueryKey = "q"
	// IDsKey is shorthand for {id: {in: [...]}}.
	IDsKey = "ids"
)

// Prepare rewrites request-style filter keys into the nested grammar.
// "ids" becomes id.in, a "field-op" key whose suffix is an operator becomes
// field.op, and dotted keys expand into nested mappings. Keys are applied in
// sorted order so later keys overwrite earlier ones deterministically.
func Prepare(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		arg := prepareValue(args[key])
		if key == IDsKey {
			setPath(out, []string{"id"}, map[string]any{string(OpIn): arg})
			continue
		}
		setPath(out, splitKey(key), arg)
	}
	return out
}

func prepareValue(v any) any {
	if m, ok := value.Map(v); ok {
		return Prepare(m)
	}
	return v
}

func splitKey(key string) []string {
	if i := strings.LastIndex(key, "-"); i > 0 && IsOperator(key[i+1:]) {
		key = key[:i] + "." + key[i+1:]
	}
	return strings.Split(key, ".")
}

func setPath(dst map[string]any, path []string, v any) {
	current := dst
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	last := path[len(path)-1]
	if incoming, ok := v.(map[string]any); ok {
		if existing, ok := current[last].(map[string]any); ok {
			for k, val := range incoming {
				existing[k] = val
			}
			return
		}
	}
	current[last] = v
}

// FreeText returns a predicate that scans every scalar leaf of a document
// depth-first and succeeds on the first case-insensitive match. A pattern
// that is not a valid regular expression is matched literally.
func FreeText(pattern string) Predicate {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
	}
	return func(doc map[string]any) bool {
		return scan(doc, re)
	}
}

func scan(v any, re *regexp.Regexp) bool {
	switch value.KindOf(v) {
	case value.KindNull:
		return false
	case value.KindObject:
		m, _ := value.Map(v)
		for _, child := range m {
			if scan(child, re) {
				return true
			}
		}
		return false
	case value.KindArray:
		seq, _ := value.Seq(v)
		for _, child := range seq {
			if scan(child, re) {
				return true
			}
		}
		return false
	}
	return re.MatchString(value.Text(v))
}

// FreeTextQuery returns the q argument when it selects free-text mode.
func FreeTextQuery(args map[string]any) (string, bool) {
	q, ok := args[QueryKey].(string)
	return q, ok && q != ""
}

// Make builds the predicate for request-level filter arguments: free text
// when q is a non-empty string, otherwise Prepare followed by Compile.
func Make(args map[string]any, fields FieldMap) (Predicate, error) {
	if q, ok := FreeTextQuery(args); ok {
		return FreeText(q), nil
	}
	return Compile(Prepare(WithoutQuery(args)), fields)
}

// WithoutQuery drops an empty or non-text q key.
func WithoutQuery(args map[string]any) map[string]any {
	if _, ok := args[QueryKey]; !ok {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k != QueryKey {
			out[k] = v
		}
	}
	return out
}
