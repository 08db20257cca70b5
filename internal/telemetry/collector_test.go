package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSnapshotCollector(t *testing.T) {
	value := 1.0
	c := NewSnapshotCollector("chatledger", "engine", func() map[string]float64 {
		return map[string]float64{"observed_total": value, "backlog_depth": 2}
	})
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	value = 5

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[fam.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[fam.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	if got["chatledger_engine_observed_total"] != 5 {
		t.Fatalf("counter not read at scrape time: %v", got)
	}
	if got["chatledger_engine_backlog_depth"] != 2 {
		t.Fatalf("gauge missing: %v", got)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "")
	if id := Correlation(ctx); len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("expected minted uuid, got %q", id)
	}
	if Correlation(context.Background()) != "" {
		t.Fatalf("expected empty correlation")
	}
	if Correlation(WithCorrelation(context.Background(), "req-1")) != "req-1" {
		t.Fatalf("explicit id lost")
	}
}
