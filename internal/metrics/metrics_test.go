package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestCycleValues(t *testing.T) {
	r := New()
	r.BeginCycle()
	r.Portfolio(&models.PortfolioSnapshot{
		Equity:      decimal.NewFromInt(98000),
		DrawdownPct: 2.0,
		Positions:   []models.BrokerPosition{{Symbol: "AAPL"}},
	})
	r.Breaker(1)
	r.Order("buy", models.OrderFilled)
	r.Order("sell", models.OrderRejected)
	r.Reconciliation([]models.ReconciliationIssue{{Symbol: "AAPL", Kind: models.IssueAddedMissing}})
	r.Decisions(2, true)

	v := r.CycleValues()
	checks := map[string]float64{
		Equity:               98000,
		DrawdownPct:          2,
		OpenPositions:        1,
		BreakerLevel:         1,
		OrdersSubmitted:      1,
		OrdersFailed:         1,
		ReconciliationIssues: 1,
		DecisionsAccepted:    2,
		DecisionsSanitized:   2,
	}
	for name, want := range checks {
		if v[name] != want {
			t.Errorf("Expected %s=%v, got %v", name, want, v[name])
		}
	}

	if got := testutil.ToFloat64(r.issues.WithLabelValues(models.IssueAddedMissing)); got != 1 {
		t.Errorf("Expected 1 issue counted, got %v", got)
	}

	r.BeginCycle()
	if len(r.CycleValues()) != 0 {
		t.Error("Expected BeginCycle to clear cycle values")
	}
	if got := testutil.ToFloat64(r.orders.WithLabelValues("buy", models.OrderFilled)); got != 1 {
		t.Errorf("Expected counters to survive BeginCycle, got %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.Cycle("entry-cycle", models.ExecSuccess, 3*time.Second, time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "textfile", "alpha_agent.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, `alpha_agent_cycles_total{mode="entry-cycle",status="success"} 1`) {
		t.Errorf("Expected cycle counter in textfile, got:\n%s", out)
	}
	if !strings.Contains(out, "alpha_agent_last_success_timestamp_seconds 1.7e+09") {
		t.Errorf("Expected last success gauge, got:\n%s", out)
	}

	if err := r.WriteTextfile(""); err != nil {
		t.Errorf("Expected empty path to be a no-op, got %v", err)
	}
}
