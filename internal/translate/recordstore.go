package translate

import (
	"fmt"

	"github.com/nexusdata/nexusstore/internal/query"
)

// RecordStoreOp is one call in a translated record-store query builder
// sequence (spec.md §4.2's "target query builder"), grounded on the
// `lib/pq`-backed cloud store's remote query surface (internal/storage
// /cloudstore): each op corresponds to one chained builder method.
type RecordStoreOp struct {
	Method string // e.g. "eq", "neq", "like", "orderBy", "limit", "offset"
	Args   []any
}

// RecordStoreQuery is the ordered op sequence a record-store client replays
// against its own query builder.
type RecordStoreQuery struct {
	Ops []RecordStoreOp
}

// ToRecordStore translates q the same operator set as ToSQL, mapped onto
// the record-store builder's verbs instead of SQL text (spec.md §4.2:
// "Ordering, limit, offset mirror the SQL form.").
func ToRecordStore(q *query.Query, fieldMap map[string]string) RecordStoreQuery {
	if q == nil {
		return RecordStoreQuery{}
	}
	merged := mergeFieldMaps(q.FieldMap, fieldMap)

	var ops []RecordStoreOp
	for _, f := range q.Filters {
		ops = append(ops, translateRecordFilter(column(f.Field, merged), f))
	}
	for _, s := range q.Sorts {
		dir := "asc"
		if s.Descending {
			dir = "desc"
		}
		ops = append(ops, RecordStoreOp{Method: "orderBy", Args: []any{column(s.Field, merged), dir}})
	}
	if q.Limit != nil {
		ops = append(ops, RecordStoreOp{Method: "limit", Args: []any{*q.Limit}})
	}
	if q.Offset != nil {
		ops = append(ops, RecordStoreOp{Method: "offset", Args: []any{*q.Offset}})
	}
	return RecordStoreQuery{Ops: ops}
}

func translateRecordFilter(col string, f query.Filter) RecordStoreOp {
	switch f.Op {
	case query.OpEquals:
		return RecordStoreOp{Method: "eq", Args: []any{col, f.Value}}
	case query.OpNotEquals:
		return RecordStoreOp{Method: "neq", Args: []any{col, f.Value}}
	case query.OpLessThan:
		return RecordStoreOp{Method: "lt", Args: []any{col, f.Value}}
	case query.OpLessThanOrEquals:
		return RecordStoreOp{Method: "lte", Args: []any{col, f.Value}}
	case query.OpGreaterThan:
		return RecordStoreOp{Method: "gt", Args: []any{col, f.Value}}
	case query.OpGreaterThanOrEquals:
		return RecordStoreOp{Method: "gte", Args: []any{col, f.Value}}
	case query.OpIsNull:
		if isFalse(f.Value) {
			return RecordStoreOp{Method: "isNotNull", Args: []any{col}}
		}
		return RecordStoreOp{Method: "isNull", Args: []any{col}}
	case query.OpIsNotNull:
		return RecordStoreOp{Method: "isNotNull", Args: []any{col}}
	case query.OpWhereIn:
		return RecordStoreOp{Method: "in", Args: append([]any{col}, toSlice(f.Value)...)}
	case query.OpWhereNotIn:
		return RecordStoreOp{Method: "not in", Args: append([]any{col}, toSlice(f.Value)...)}
	case query.OpContains:
		return RecordStoreOp{Method: "like", Args: []any{col, "%" + fmt.Sprint(f.Value) + "%"}}
	case query.OpStartsWith:
		return RecordStoreOp{Method: "like", Args: []any{col, fmt.Sprint(f.Value) + "%"}}
	case query.OpEndsWith:
		return RecordStoreOp{Method: "like", Args: []any{col, "%" + fmt.Sprint(f.Value)}}
	case query.OpArrayContains:
		return RecordStoreOp{Method: "arrayContains", Args: []any{col, f.Value}}
	case query.OpArrayContainsAny:
		return RecordStoreOp{Method: "arrayContainsAny", Args: append([]any{col}, toSlice(f.Value)...)}
	default:
		return RecordStoreOp{Method: "false"}
	}
}
