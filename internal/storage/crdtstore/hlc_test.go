package crdtstore

import (
	"testing"
	"time"
)

func TestHLCCompareWallTimeThenCounter(t *testing.T) {
	a := HLC{WallTime: 100, Counter: 5}
	b := HLC{WallTime: 100, Counter: 6}
	c := HLC{WallTime: 101, Counter: 0}

	if !b.After(a) {
		t.Fatal("expected higher counter at equal wall time to be After")
	}
	if !c.After(b) {
		t.Fatal("expected higher wall time to be After regardless of counter")
	}
	if a.After(a) {
		t.Fatal("expected equal HLC values to not be After each other")
	}
}

func TestHLCStringParseRoundTrip(t *testing.T) {
	h := HLC{WallTime: 1706543210123, Counter: 42}
	parsed, err := ParseHLC(h.String())
	if err != nil {
		t.Fatalf("ParseHLC: %v", err)
	}
	if parsed != h {
		t.Fatalf("expected round trip, got %+v", parsed)
	}
}

func TestClockNextIsStrictlyMonotonic(t *testing.T) {
	c := NewClock("node-1")

	var prev HLC
	for i := 0; i < 5; i++ {
		next := c.Next()
		if i > 0 && !next.After(prev) {
			t.Fatalf("expected strictly increasing HLC, got %+v after %+v", next, prev)
		}
		prev = next
	}
}

func TestClockNextAdvancesCounterWhenWallTimeDoesNotMove(t *testing.T) {
	fixed := time.UnixMilli(1706543210000)
	c := NewClock("node-1")
	c.now = func() time.Time { return fixed }

	first := c.Next()
	second := c.Next()
	if second.WallTime != first.WallTime {
		t.Fatalf("expected wall time to stay fixed, got %d then %d", first.WallTime, second.WallTime)
	}
	if second.Counter != first.Counter+1 {
		t.Fatalf("expected counter to advance by 1, got %d then %d", first.Counter, second.Counter)
	}
}

func TestClockObserveAdvancesPastRemote(t *testing.T) {
	c := NewClock("node-1")
	remote := HLC{WallTime: 9999999999999, Counter: 7}
	c.Observe(remote)

	next := c.Next()
	if !next.After(remote) {
		t.Fatalf("expected Next() to exceed observed remote HLC, got %+v vs remote %+v", next, remote)
	}
}

func TestClockNodeID(t *testing.T) {
	c := NewClock("node-42")
	if c.NodeID() != "node-42" {
		t.Fatalf("expected node-42, got %q", c.NodeID())
	}
}
