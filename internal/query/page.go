package query

// PageInfo describes the paging state of a PagedResult (spec.md §3, §4.7).
type PageInfo struct {
	HasNextPage     bool    `json:"hasNextPage"`
	HasPreviousPage bool    `json:"hasPreviousPage"`
	StartCursor     *Cursor `json:"startCursor,omitempty"`
	EndCursor       *Cursor `json:"endCursor,omitempty"`
	TotalCount      *int    `json:"totalCount,omitempty"`
}

// PagedResult[T] is {items, pageInfo} from spec.md §3.
type PagedResult[T any] struct {
	Items    []T
	PageInfo PageInfo
}

// Paginate implements the offset-encoded cursor pagination rules of
// spec.md §4.7, given the full (already filtered/sorted) item list for a
// query. It is also used, unmodified, for watchAllPaged (spec.md: "defined
// as watchAll mapped through the same slicing").
//
// Open question resolution (DESIGN.md #1): when both AfterCursor and
// Offset are present, Offset is applied as an additional skip *after* the
// cursor-derived start index, since spec.md mandates applying both rather
// than letting one silently win.
func Paginate[T any](items []T, q *Query) PagedResult[T] {
	total := len(items)

	startIndex := 0
	if q != nil && q.AfterCursor != nil {
		if idx, ok := q.AfterCursor.Index(); ok {
			startIndex = idx
		}
	}
	if q != nil && q.Offset != nil {
		startIndex += *q.Offset
	}
	startIndex = clamp(startIndex, 0, total)

	endIndex := total
	if q != nil && q.FirstCount != nil {
		endIndex = startIndex + *q.FirstCount
	}
	endIndex = clamp(endIndex, startIndex, total)

	pageItems := items[startIndex:endIndex]

	info := PageInfo{
		HasNextPage:     endIndex < total,
		HasPreviousPage: startIndex > 0,
		TotalCount:      intPtr(total),
	}
	if len(pageItems) > 0 {
		info.StartCursor = NewIndexCursor(startIndex)
	}
	if info.HasNextPage {
		info.EndCursor = NewIndexCursor(endIndex)
	}

	out := make([]T, len(pageItems))
	copy(out, pageItems)

	return PagedResult[T]{Items: out, PageInfo: info}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func intPtr(v int) *int { return &v }
