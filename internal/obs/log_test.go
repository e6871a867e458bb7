package obs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewJSONOutputWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	logger.Info().Str("backend", "drift").Msg("ready")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if decoded["backend"] != "drift" {
		t.Fatalf("expected backend field to survive, got %v", decoded)
	}
	if decoded["message"] != "ready" {
		t.Fatalf("expected message field, got %v", decoded)
	}
}

func TestLevelOfDefaultsToInfo(t *testing.T) {
	if got := levelOf(""); got != zerolog.InfoLevel {
		t.Fatalf("levelOf(\"\") = %v, want InfoLevel", got)
	}
	if got := levelOf("bogus"); got != zerolog.InfoLevel {
		t.Fatalf("levelOf(bogus) = %v, want InfoLevel fallback", got)
	}
	if got := levelOf(DebugLevel); got != zerolog.DebugLevel {
		t.Fatalf("levelOf(debug) = %v, want DebugLevel", got)
	}
}

func TestWithBackendAddsField(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{JSONOutput: true, Output: &buf})
	scoped := WithBackend(base, "drift")
	scoped.Info().Msg("hello")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["backend"] != "drift" {
		t.Fatalf("expected backend=drift field, got %v", decoded)
	}
}

func TestRecordCacheHitAndMissIncrementCounters(t *testing.T) {
	before := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("drift-test"))
	RecordCacheHit("drift-test")
	after := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("drift-test"))
	if after != before+1 {
		t.Fatalf("expected CacheHitsTotal to increment by 1, got %v -> %v", before, after)
	}
}

func TestSetPendingChangesSetsGaugeValue(t *testing.T) {
	SetPendingChanges("drift-test", 3)
	if got := testutil.ToFloat64(PendingChanges.WithLabelValues("drift-test")); got != 3 {
		t.Fatalf("PendingChanges = %v, want 3", got)
	}
	SetPendingChanges("drift-test", 0)
	if got := testutil.ToFloat64(PendingChanges.WithLabelValues("drift-test")); got != 0 {
		t.Fatalf("PendingChanges = %v, want 0 after reset", got)
	}
}
