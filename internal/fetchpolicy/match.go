package fetchpolicy

import (
	"fmt"
	"strings"

	"github.com/nexusdata/nexusstore/internal/entity"
	"github.com/nexusdata/nexusstore/internal/query"
)

// matchesQuery evaluates q's filters against m in memory (AND of all
// filters; sorts/limit/offset/pagination are irrelevant to invalidateWhere
// per spec.md §4.6 — only which entries match). A nil or zero query
// matches everything.
func matchesQuery(m entity.Map, q *query.Query) bool {
	if q == nil {
		return true
	}
	for _, f := range q.Filters {
		if !matchesFilter(m, f) {
			return false
		}
	}
	return true
}

// matchesFilter mirrors internal/translate/sql.go's translateFilter, but
// evaluated directly against a Map instead of compiled to SQL.
func matchesFilter(m entity.Map, f query.Filter) bool {
	v, ok := m.Get(f.Field)
	switch f.Op {
	case query.OpEquals:
		return ok && equalValues(v, f.Value)
	case query.OpNotEquals:
		return !ok || !equalValues(v, f.Value)
	case query.OpLessThan:
		return ok && compareValues(v, f.Value) < 0
	case query.OpLessThanOrEquals:
		return ok && compareValues(v, f.Value) <= 0
	case query.OpGreaterThan:
		return ok && compareValues(v, f.Value) > 0
	case query.OpGreaterThanOrEquals:
		return ok && compareValues(v, f.Value) >= 0
	case query.OpIsNull:
		if isFalsey(f.Value) {
			return ok
		}
		return !ok
	case query.OpIsNotNull:
		return ok
	case query.OpContains:
		return ok && strings.Contains(fmt.Sprint(v), fmt.Sprint(f.Value))
	case query.OpStartsWith:
		return ok && strings.HasPrefix(fmt.Sprint(v), fmt.Sprint(f.Value))
	case query.OpEndsWith:
		return ok && strings.HasSuffix(fmt.Sprint(v), fmt.Sprint(f.Value))
	case query.OpArrayContains:
		return ok && valueInSlice(f.Value, v)
	case query.OpArrayContainsAny:
		return ok && arrayIntersects(v, f.Value)
	case query.OpWhereIn:
		return ok && valueInSlice(v, f.Value)
	case query.OpWhereNotIn:
		return !ok || !valueInSlice(v, f.Value)
	default:
		return false
	}
}

func isFalsey(v any) bool {
	b, ok := v.(bool)
	return ok && !b
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
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toSliceAny(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func valueInSlice(needle, list any) bool {
	for _, item := range toSliceAny(list) {
		if equalValues(needle, item) {
			return true
		}
	}
	return false
}

func arrayIntersects(arr, list any) bool {
	for _, a := range toSliceAny(arr) {
		for _, w := range toSliceAny(list) {
			if equalValues(a, w) {
				return true
			}
		}
	}
	return false
}
