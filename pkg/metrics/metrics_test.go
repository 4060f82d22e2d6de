package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncOrderPlaced()
	m.IncFillAccepted()
	m.IncFillAccepted()
	m.IncFillRejected("state_conflict")
	m.IncEscrowTransition("src", "funded")
	m.IncSweeperRefund("refunded")
	m.IncBid("won")
	m.SetOpenOrders(3)
	m.ObserveChainCall("evm-devnet", "submit", 20*time.Millisecond)
	m.IncChainRetry("evm-devnet", "submit")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	accepted := findMetric(families, "fills_accepted_total")
	if accepted == nil {
		t.Fatal("expected fills_accepted_total metric")
	}
	if got := accepted.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected fills_accepted_total=2, got %v", got)
	}

	rejected := findMetric(families, "fills_rejected_total")
	if rejected == nil || len(rejected.GetMetric()) != 1 {
		t.Fatal("expected one fills_rejected_total series")
	}

	open := findMetric(families, "orders_open")
	if open == nil || open.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatal("expected orders_open=3")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncBid("lost")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `resolver_bids_total{outcome="lost"} 1`) {
		t.Fatalf("metrics output missing bid counter:\n%s", body)
	}
}
