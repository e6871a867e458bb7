// Package query implements the core's storage-agnostic Query value and its
// canonical serialization for watcher-cache keying (spec.md §3, §6.4).
package query

import (
	"encoding/json"
	"sort"
)

// Op is one of the filter operators in spec.md §4.2.
type Op string

const (
	OpEquals             Op = "equals"
	OpNotEquals          Op = "notEquals"
	OpLessThan           Op = "lessThan"
	OpLessThanOrEquals   Op = "lessThanOrEquals"
	OpGreaterThan        Op = "greaterThan"
	OpGreaterThanOrEquals Op = "greaterThanOrEquals"
	OpWhereIn            Op = "whereIn"
	OpWhereNotIn         Op = "whereNotIn"
	OpIsNull             Op = "isNull"
	OpIsNotNull          Op = "isNotNull"
	OpContains           Op = "contains"
	OpStartsWith         Op = "startsWith"
	OpEndsWith           Op = "endsWith"
	OpArrayContains      Op = "arrayContains"
	OpArrayContainsAny   Op = "arrayContainsAny"
)

// Filter is a single predicate over a field.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`
}

// SortTerm is a single ORDER BY term.
type SortTerm struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Cursor is the opaque pagination position token (spec.md §3). The core
// only ever produces {"_index": n} cursors; backends may embed richer keys
// (e.g. primary-key tuples) since Cursor is just a named-value bag.
type Cursor struct {
	Values map[string]any `json:"values"`
}

// NewIndexCursor builds the core's offset-derived cursor shape.
func NewIndexCursor(index int) *Cursor {
	return &Cursor{Values: map[string]any{"_index": index}}
}

// Index extracts the "_index" key used by offset-derived cursors. Backends
// with richer cursors ignore this and read their own keys out of Values.
func (c *Cursor) Index() (int, bool) {
	if c == nil || c.Values == nil {
		return 0, false
	}
	v, ok := c.Values["_index"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Query is the immutable value applications construct to describe a read.
// Zero value is "match everything, natural order".
type Query struct {
	Filters     []Filter          `json:"filters,omitempty"`
	Sorts       []SortTerm        `json:"sorts,omitempty"`
	Limit       *int              `json:"limit,omitempty"`
	Offset      *int              `json:"offset,omitempty"`
	FirstCount  *int              `json:"firstCount,omitempty"`
	AfterCursor *Cursor           `json:"afterCursor,omitempty"`
	FieldMap    map[string]string `json:"fieldMap,omitempty"`
}

// IsZero reports whether q has no constraints at all (the "absence" query
// that backends key as the "_all_" sentinel for watchAll).
func (q *Query) IsZero() bool {
	if q == nil {
		return true
	}
	return len(q.Filters) == 0 && len(q.Sorts) == 0 && q.Limit == nil &&
		q.Offset == nil && q.FirstCount == nil && q.AfterCursor == nil
}

// allSentinel is the canonical watcher key used for an absent/zero query.
const allSentinel = "_all_"

// Key returns the canonical string serialization used to key per-query
// watcher subjects (spec.md §4.3, §6.4): equal queries (same filters, in the
// same order, same sorts/limit/offset/pagination fields) produce equal
// keys, and only equal queries do.
func Key(q *Query) string {
	if q.IsZero() {
		return allSentinel
	}
	// encoding/json on a struct with ordered slice fields and a map field
	// is already canonical for our equality needs: slice order is
	// preserved verbatim (this is what "equal queries" means per spec.md
	// §6.4 — filter/sort *sequences* must match pairwise), and the one map
	// field (FieldMap) only affects translation, not watcher identity, so
	// it is deliberately excluded below.
	keyable := struct {
		Filters     []Filter   `json:"filters,omitempty"`
		Sorts       []SortTerm `json:"sorts,omitempty"`
		Limit       *int       `json:"limit,omitempty"`
		Offset      *int       `json:"offset,omitempty"`
		FirstCount  *int       `json:"firstCount,omitempty"`
		AfterCursor *Cursor    `json:"afterCursor,omitempty"`
	}{q.Filters, q.Sorts, q.Limit, q.Offset, q.FirstCount, q.AfterCursor}

	b, err := json.Marshal(keyable)
	if err != nil {
		// Marshal of this shape cannot fail (no cyclic values, no
		// channels/funcs reachable from Filter.Value in practice); if it
		// somehow did, falling back to the sentinel would silently merge
		// distinct queries, so panic is the safer failure mode here.
		panic("query: canonical marshal failed: " + err.Error())
	}
	return string(b)
}

// Equal reports whether two queries are equal per spec.md §6.4.
func Equal(a, b *Query) bool {
	return Key(a) == Key(b)
}

// SortCursorValues is a convenience for backends building richer cursors
// (primary-key tuples): it returns the cursor's value keys in a stable
// order, useful for deterministic SQL tuple comparisons.
func SortCursorValues(c *Cursor) []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Values))
	for k := range c.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
