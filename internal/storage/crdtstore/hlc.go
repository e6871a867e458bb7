package crdtstore

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HLC is a hybrid logical clock: wall-clock milliseconds plus a causal
// counter that breaks ties and advances monotonically even when wall time
// does not (spec.md glossary: "HLC ... a timestamp combining wall time and
// a causal counter").
type HLC struct {
	WallTime int64
	Counter  uint32
}

// Compare orders HLC values: wall time first, counter as tie-break.
func (h HLC) Compare(other HLC) int {
	switch {
	case h.WallTime < other.WallTime:
		return -1
	case h.WallTime > other.WallTime:
		return 1
	case h.Counter < other.Counter:
		return -1
	case h.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// After reports whether h happened strictly after other.
func (h HLC) After(other HLC) bool { return h.Compare(other) > 0 }

// String renders the HLC as "<walltime>.<counter>", sortable lexically for
// equal-width counters and always parseable by ParseHLC.
func (h HLC) String() string {
	return fmt.Sprintf("%d.%010d", h.WallTime, h.Counter)
}

// ParseHLC parses the String() representation.
func ParseHLC(s string) (HLC, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return HLC{}, fmt.Errorf("crdtstore: malformed hlc %q", s)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("crdtstore: malformed hlc wall time %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return HLC{}, fmt.Errorf("crdtstore: malformed hlc counter %q: %w", s, err)
	}
	return HLC{WallTime: wall, Counter: uint32(counter)}, nil
}

// Clock generates monotonically increasing HLC values for one node. The
// node ID is stamped alongside every write so peers can tell which replica
// authored a given row (spec.md §4.9 "node-ID column").
type Clock struct {
	mu     sync.Mutex
	nodeID string
	last   HLC
	now    func() time.Time
}

// NewClock constructs a Clock for nodeID using the wall clock.
func NewClock(nodeID string) *Clock {
	return &Clock{nodeID: nodeID, now: time.Now}
}

// NodeID returns the clock's owning node identifier.
func (c *Clock) NodeID() string { return c.nodeID }

// Next returns the next HLC value, guaranteed strictly greater than every
// value previously returned by this clock.
func (c *Clock) Next() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now().UnixMilli()
	if wall <= c.last.WallTime {
		c.last.Counter++
	} else {
		c.last = HLC{WallTime: wall, Counter: 0}
	}
	return c.last
}

// Observe folds a remote HLC into the clock's internal state so a
// subsequent Next() is guaranteed to exceed it too: the clock adopts remote
// only when it is greater than the last issued HLC, and Next() then either
// moves to a later wall time or bumps the counter past it.
func (c *Clock) Observe(remote HLC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote.Compare(c.last) > 0 {
		c.last = remote
	}
}
