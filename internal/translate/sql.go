// Package translate turns a storage-agnostic internal/query.Query into the
// concrete query forms each backend understands: parameterized SQL for
// internal/storage/sqlstore and internal/storage/crdtstore, and a builder
// call sequence for internal/storage/cloudstore's remote record store
// (spec.md §4.2).
package translate

import (
	"fmt"
	"strings"

	"github.com/nexusdata/nexusstore/internal/query"
)

// SQL is the translated WHERE/ORDER BY/LIMIT/OFFSET fragment of a query,
// parameters bound positionally (spec.md §4.2: "Parameters always bound;
// values never inlined.").
type SQL struct {
	Where  string // empty if the query has no filters
	Args   []any
	Order  string // empty if the query has no sort terms
	Limit  string // includes the leading "LIMIT"/"OFFSET" keywords, or empty
}

// ToSQL translates q into bindable SQL fragments. fieldMap overrides take
// priority over q.FieldMap when both name the same logical field.
func ToSQL(q *query.Query, fieldMap map[string]string) SQL {
	if q == nil {
		return SQL{}
	}

	var out SQL
	if where, args := translateFilters(q.Filters, mergeFieldMaps(q.FieldMap, fieldMap)); where != "" {
		out.Where = where
		out.Args = args
	}
	out.Order = translateSorts(q.Sorts, mergeFieldMaps(q.FieldMap, fieldMap))
	out.Limit = translateLimitOffset(q.Limit, q.Offset)
	return out
}

func mergeFieldMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 {
		return override
	}
	if len(override) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func column(field string, fieldMap map[string]string) string {
	if mapped, ok := fieldMap[field]; ok {
		return mapped
	}
	return field
}

// translateFilters implements spec.md §4.2's "SQL translator rules": every
// top-level filter is AND-combined, every value bound as a parameter.
func translateFilters(filters []query.Filter, fieldMap map[string]string) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}

	var clauses []string
	var args []any
	for _, f := range filters {
		col := column(f.Field, fieldMap)
		clause, clauseArgs := translateFilter(col, f)
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	return strings.Join(clauses, " AND "), args
}

func translateFilter(col string, f query.Filter) (string, []any) {
	switch f.Op {
	case query.OpEquals:
		return col + " = ?", []any{f.Value}
	case query.OpNotEquals:
		return col + " != ?", []any{f.Value}
	case query.OpLessThan:
		return col + " < ?", []any{f.Value}
	case query.OpLessThanOrEquals:
		return col + " <= ?", []any{f.Value}
	case query.OpGreaterThan:
		return col + " > ?", []any{f.Value}
	case query.OpGreaterThanOrEquals:
		return col + " >= ?", []any{f.Value}
	case query.OpIsNull:
		if isFalse(f.Value) {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	case query.OpIsNotNull:
		return col + " IS NOT NULL", nil
	case query.OpContains:
		return col + " LIKE ?", []any{"%" + fmt.Sprint(f.Value) + "%"}
	case query.OpStartsWith:
		return col + " LIKE ?", []any{fmt.Sprint(f.Value) + "%"}
	case query.OpEndsWith:
		return col + " LIKE ?", []any{"%" + fmt.Sprint(f.Value)}
	case query.OpArrayContains:
		return col + " LIKE ?", []any{"%" + fmt.Sprint(f.Value) + "%"}
	case query.OpWhereIn:
		return translateIn(col, f.Value, false)
	case query.OpWhereNotIn:
		return translateIn(col, f.Value, true)
	case query.OpArrayContainsAny:
		return translateArrayContainsAny(col, f.Value)
	default:
		// Unknown operators fall through as an always-false predicate
		// rather than silently matching every row.
		return "0", nil
	}
}

func translateIn(col string, value any, negate bool) (string, []any) {
	items := toSlice(value)
	if len(items) == 0 {
		// "Empty whereIn collapses to the constant-false predicate; empty
		// whereNotIn collapses to constant-true." (spec.md §4.2)
		if negate {
			return "1", nil
		}
		return "0", nil
	}

	placeholders := strings.Repeat("?,", len(items))
	placeholders = placeholders[:len(placeholders)-1]
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", col, op, placeholders), items
}

func translateArrayContainsAny(col string, value any) (string, []any) {
	items := toSlice(value)
	if len(items) == 0 {
		return "0", nil
	}
	placeholders := strings.Repeat("?,", len(items))
	placeholders = placeholders[:len(placeholders)-1]
	clause := fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE value IN (%s))", col, placeholders)
	return clause, items
}

func toSlice(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		// A scalar given where a collection was expected is treated as a
		// single-element collection rather than a translation error.
		return []any{v}
	}
}

func isFalse(v any) bool {
	b, ok := v.(bool)
	return ok && !b
}

// translateSorts implements "ORDER BY terms in listed order with
// ASC/DESC."
func translateSorts(sorts []query.SortTerm, fieldMap map[string]string) string {
	if len(sorts) == 0 {
		return ""
	}
	terms := make([]string, len(sorts))
	for i, s := range sorts {
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		terms[i] = fmt.Sprintf("%s %s", column(s.Field, fieldMap), dir)
	}
	return "ORDER BY " + strings.Join(terms, ", ")
}

// translateLimitOffset implements "LIMIT n and OFFSET m appended last. When
// only OFFSET is present, emit LIMIT -1 OFFSET m (SQLite convention)."
func translateLimitOffset(limit, offset *int) string {
	switch {
	case limit != nil && offset != nil:
		return fmt.Sprintf("LIMIT %d OFFSET %d", *limit, *offset)
	case limit != nil:
		return fmt.Sprintf("LIMIT %d", *limit)
	case offset != nil:
		return fmt.Sprintf("LIMIT -1 OFFSET %d", *offset)
	default:
		return ""
	}
}
