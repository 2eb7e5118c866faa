package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	// WHAT: Every method tolerates a nil receiver.
	// WHY: One-shot CLI runs do not build a registry.
	var m *Metrics
	m.Message("telegram", "stored", 3)
	m.Entity("url")
	m.OCR("ok")
	m.Call("success")
	m.QuotaToday(4)
	m.Run("ingest", "ok", time.Now())
	m.LockBusy("ingest")
}

func TestCounters(t *testing.T) {
	// WHAT: Recorded values surface through the registry.
	// WHY: /metrics is the only view into a scheduled deployment.
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Message("telegram", "stored", 50)
	m.Message("telegram", "duplicate", 0)
	m.Entity("address")
	m.Entity("address")
	m.QuotaToday(7)

	if got := testutil.ToFloat64(m.messages.WithLabelValues("telegram", "stored")); got != 50 {
		t.Errorf("stored: got %v, want 50", got)
	}
	if got := testutil.ToFloat64(m.entities.WithLabelValues("address")); got != 2 {
		t.Errorf("address entities: got %v, want 2", got)
	}
	expected := `
# HELP sifter_quota_requests_today Summarizer requests counted against today's quota.
# TYPE sifter_quota_requests_today gauge
sifter_quota_requests_today 7
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "sifter_quota_requests_today"); err != nil {
		t.Fatal(err)
	}
}
