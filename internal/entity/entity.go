// Package entity holds the core's data-model value types that are not the
// Query itself (spec.md §3): the dynamic entity map, sync status, pending
// changes, and conflict details. Entities cross the core boundary as typed
// Go values plus a pair of toMap/fromMap closures (spec.md §9 "Dynamic
// entity maps") — Map is the wire shape those closures produce/consume.
package entity

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var jsonMarshal = json.Marshal
var jsonUnmarshal = json.Unmarshal

// Map is the string-keyed, JSON-scalar-valued mapping every entity
// serializes to. Nested maps/lists of the same union are allowed.
type Map map[string]any

// ToMap converts a typed entity to its Map form using the caller-supplied
// closure. Kept as a named function (rather than inlining everywhere) so
// call sites read the same way the teacher's own export/import helpers do.
func ToMap[T any](item T, toMap func(T) Map) Map {
	return toMap(item)
}

// FromMap converts a Map back to a typed entity.
func FromMap[T any](m Map, fromMap func(Map) T) T {
	return fromMap(m)
}

// Get performs a dotted-path lookup into an entity map, e.g. "address.city".
// Used by internal/fetchpolicy's in-memory filter evaluation for
// invalidateWhere (spec.md §4.6).
func (m Map) Get(path string) (any, bool) {
	if v, ok := m[path]; ok {
		// Fast path: the field name itself (no dots) is a direct key —
		// the overwhelmingly common case, and avoids a gjson round-trip
		// through JSON encoding for flat entities.
		return v, true
	}
	b, err := jsonMarshal(m)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Set performs a dotted-path assignment into an entity map, returning a new
// Map (the original is not mutated) with the value set, leaving the rest of
// the structure undisturbed.
func (m Map) Set(path string, value any) (Map, error) {
	b, err := jsonMarshal(m)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetBytes(b, path, value)
	if err != nil {
		return nil, err
	}
	var result Map
	if err := jsonUnmarshal(out, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Clone returns a shallow copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AsString coerces a Map value to its string form, used wherever a
// non-string value needs encrypting (spec.md §4.5 "non-string values are
// coerced to their string form before encryption").
func AsString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := jsonMarshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
