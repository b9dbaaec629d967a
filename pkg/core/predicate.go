package core

import (
	"regexp"
	"strings"
)

// Matches reports whether a document satisfies a query, ignoring the
// $search key: full-text predicates can only be evaluated by the backend.
func Matches(doc Doc, query Query) bool {
	for key, cond := range query {
		if key == QuerySearch {
			continue
		}
		if !matchField(fieldValue(doc, key), cond) {
			return false
		}
	}
	return true
}

// HasFullText reports whether the query carries a $search term.
func HasFullText(query Query) bool {
	_, ok := query[QuerySearch]
	return ok
}

// ReferencesLookup reports whether any query key addresses a joined field,
// which forces the join to run before matching.
func ReferencesLookup(query Query) bool {
	for key := range query {
		if strings.HasPrefix(key, FieldLookup+".") {
			return true
		}
	}
	return false
}

// fieldValue resolves a possibly dotted key against the document,
// descending through nested maps ($lookup paths included).
func fieldValue(doc Doc, key string) any {
	if !strings.Contains(key, ".") {
		return doc[key]
	}
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(key, ".") {
		switch m := cur.(type) {
		case Doc:
			cur = m[part]
		case map[string]any:
			cur = m[part]
		default:
			return nil
		}
	}
	return cur
}

func matchField(value, cond any) bool {
	ops, ok := asOperatorMap(cond)
	if !ok {
		return valueEqual(value, cond) || arrayContains(value, cond)
	}
	for op, arg := range ops {
		if !matchOperator(value, op, arg) {
			return false
		}
	}
	return true
}

// asOperatorMap treats a condition as an operator map only when every key
// is an operator; a plain nested map is an exact-match value.
func asOperatorMap(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchOperator(value any, op string, arg any) bool {
	switch op {
	case QueryIn:
		items, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if valueEqual(value, item) {
				return true
			}
		}
		return false
	case QueryNe:
		return !valueEqual(value, arg)
	case QueryLike:
		pattern, ok := arg.(string)
		if !ok {
			return false
		}
		s, ok := asString(value)
		if !ok {
			return false
		}
		return likeMatch(s, pattern)
	case QueryRegex:
		expr, ok := arg.(string)
		if !ok {
			return false
		}
		s, ok := asString(value)
		if !ok {
			return false
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case QueryGt, QueryGte, QueryLt, QueryLte:
		c, ok := compareValues(value, arg)
		if !ok {
			return false
		}
		switch op {
		case QueryGt:
			return c > 0
		case QueryGte:
			return c >= 0
		case QueryLt:
			return c < 0
		default:
			return c <= 0
		}
	default:
		return false
	}
}

// likeMatch implements SQL-style % wildcards.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func arrayContains(value, want any) bool {
	arr, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range arr {
		if valueEqual(item, want) {
			return true
		}
	}
	return false
}

// valueEqual compares scalars across the numeric and id representations a
// CBOR round-trip can produce.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := asString(a); ok {
		bs, ok := asString(b)
		return ok && as == bs
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

// compareValues orders two values; ok is false when they are not
// comparable.
func compareValues(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := asString(a); ok {
		bs, ok := asString(b)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch tv := v.(type) {
	case string:
		return tv, true
	case ID:
		return string(tv), true
	default:
		return "", false
	}
}

func asFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case uint64:
		return float64(tv), true
	case float32:
		return float64(tv), true
	case float64:
		return tv, true
	default:
		return 0, false
	}
}

// FullTextMatches is the backend-side $search evaluation: a
// case-insensitive substring scan over the document's string fields.
func FullTextMatches(doc Doc, term string) bool {
	if term == "" {
		return true
	}
	needle := strings.ToLower(term)
	for key, v := range doc {
		if IsBookkeepingField(key) {
			continue
		}
		if s, ok := asString(v); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}
