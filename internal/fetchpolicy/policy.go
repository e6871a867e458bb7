// Package fetchpolicy implements the policy-driven read layer of spec.md
// §4.6: a staleness cache and tag index sitting in front of a
// storage.Backend, deciding when get/getAll consult the backend's sync()
// versus returning the locally cached value. Grounded on the teacher's
// own file-replacement staleness tracker
// (internal/storage/sqlite/freshness.go: a mutex-guarded timestamp/flag
// map, enable/disable toggles, a callback fired on staleness) generalized
// from "one file's mtime" to "every id's lastFetchTime", plus tag-based
// invalidation and cache statistics spec.md adds on top.
package fetchpolicy

// Policy selects how get/getAll consult the cache versus the backend's
// sync(), per spec.md §4.6's policy matrix.
type Policy string

const (
	CacheFirst           Policy = "cacheFirst"
	NetworkFirst         Policy = "networkFirst"
	CacheAndNetwork      Policy = "cacheAndNetwork"
	CacheOnly            Policy = "cacheOnly"
	NetworkOnly          Policy = "networkOnly"
	StaleWhileRevalidate Policy = "staleWhileRevalidate"
)
