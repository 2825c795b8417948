package vector

import (
	"strconv"
)

// Filter is the retrieval filter DSL. Supported forms:
//
//	{"upload_id": "u1"}                     equality
//	{"kind": {"$in": ["debit", "credit"]}}  membership
//	{"amount": {"$gte": 100, "$lte": 500}}  numeric range
//	{"$and": [{...}, {...}]}                conjunction
//
// Every retrieval issued by the agent core carries an upload_id equality
// term; the scoped retriever injects it.
type Filter map[string]any

// Matches reports whether metadata satisfies the filter.
func (f Filter) Matches(meta map[string]any) bool {
	for key, cond := range f {
		if key == "$and" {
			if !matchAnd(cond, meta) {
				return false
			}
			continue
		}

		value, ok := meta[key]
		if !ok {
			return false
		}

		switch c := cond.(type) {
		case map[string]any:
			if !matchOps(c, value) {
				return false
			}
		case Filter:
			if !matchOps(c, value) {
				return false
			}
		default:
			if !equal(value, cond) {
				return false
			}
		}
	}
	return true
}

// Equality returns the subset of plain equality terms, flattening $and.
// This subset is pushed down to the vector store's native where filter.
func (f Filter) Equality() map[string]string {
	out := make(map[string]string)
	f.collectEquality(out)
	return out
}

func (f Filter) collectEquality(out map[string]string) {
	for key, cond := range f {
		if key == "$and" {
			for _, sub := range asFilterList(cond) {
				sub.collectEquality(out)
			}
			continue
		}
		switch cond.(type) {
		case map[string]any, Filter:
			// operator term, not pushdown-able
		default:
			out[key] = asString(cond)
		}
	}
}

func matchAnd(cond any, meta map[string]any) bool {
	for _, sub := range asFilterList(cond) {
		if !sub.Matches(meta) {
			return false
		}
	}
	return true
}

func asFilterList(cond any) []Filter {
	var filters []Filter
	switch list := cond.(type) {
	case []Filter:
		filters = list
	case []map[string]any:
		for _, m := range list {
			filters = append(filters, Filter(m))
		}
	case []any:
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				filters = append(filters, Filter(m))
			}
		}
	}
	return filters
}

func matchOps(ops map[string]any, value any) bool {
	for op, operand := range ops {
		switch op {
		case "$in":
			if !matchIn(operand, value) {
				return false
			}
		case "$gte":
			v, okV := toFloat(value)
			bound, okB := toFloat(operand)
			if !okV || !okB || v < bound {
				return false
			}
		case "$lte":
			v, okV := toFloat(value)
			bound, okB := toFloat(operand)
			if !okV || !okB || v > bound {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchIn(operand, value any) bool {
	var candidates []any
	switch list := operand.(type) {
	case []any:
		candidates = list
	case []string:
		for _, s := range list {
			candidates = append(candidates, s)
		}
	default:
		return false
	}

	for _, c := range candidates {
		if equal(value, c) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return asString(a) == asString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
