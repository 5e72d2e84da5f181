package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageCallCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordStageCall("spam_check", true, 20*time.Millisecond, 150)
	m.RecordStageCall("spam_check", true, 30*time.Millisecond, 120)
	m.RecordStageCall("spam_check", false, 5*time.Millisecond, 0)

	if got := testutil.ToFloat64(m.stageCalls.WithLabelValues("spam_check", "success")); got != 2 {
		t.Errorf("success calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stageCalls.WithLabelValues("spam_check", "failure")); got != 1 {
		t.Errorf("failure calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stageErrors.WithLabelValues("spam_check")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stageTokens.WithLabelValues("spam_check")); got != 270 {
		t.Errorf("tokens = %v, want 270", got)
	}
}

func TestHarvestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordHarvest("startups", 100, 37)
	m.RecordHarvest("startups", 50, 12)
	m.RecordHarvestError("startups")

	if got := testutil.ToFloat64(m.harvestFetched.WithLabelValues("startups")); got != 150 {
		t.Errorf("fetched = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.harvestUnique.WithLabelValues("startups")); got != 49 {
		t.Errorf("unique = %v, want 49", got)
	}
	if got := testutil.ToFloat64(m.harvestErrors.WithLabelValues("startups")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestQueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordQueueDepth(7, 3)
	if got := testutil.ToFloat64(m.queueWaiting); got != 7 {
		t.Errorf("waiting = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.queueActive); got != 3 {
		t.Errorf("active = %v, want 3", got)
	}

	// Gauges track the latest snapshot, not a running total.
	m.RecordQueueDepth(0, 1)
	if got := testutil.ToFloat64(m.queueWaiting); got != 0 {
		t.Errorf("waiting after update = %v, want 0", got)
	}
}

func TestFreshRegistryIsIndependent(t *testing.T) {
	m1 := New(prometheus.NewRegistry())
	m1.RecordMentionCreated()
	m1.RecordMentionCreated()

	m2 := New(prometheus.NewRegistry())
	if got := testutil.ToFloat64(m2.mentions); got != 0 {
		t.Errorf("fresh instance mentions = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m1.mentions); got != 2 {
		t.Errorf("original instance mentions = %v, want 2", got)
	}
}
