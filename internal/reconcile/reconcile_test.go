package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/market/markettest"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/shopspring/decimal"
)

type SpyAlerter struct {
	mu   sync.Mutex
	Sent []models.Severity
	Msgs []string
}

func (s *SpyAlerter) Alert(ctx context.Context, sev models.Severity, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, sev)
	s.Msgs = append(s.Msgs, msg)
}

var now = time.Date(2025, 6, 2, 13, 35, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.Options{Path: filepath.Join(t.TempDir(), "trading.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addLocal(t *testing.T, s *storage.Store, symbol string, qty float64) {
	t.Helper()
	err := s.InsertPosition(context.Background(), &models.Position{
		Symbol:     symbol,
		Qty:        decimal.NewFromFloat(qty),
		EntryPrice: decimal.NewFromInt(100),
		EntryDate:  "2025-05-28",
		Provenance: models.ProvenanceAgent,
	})
	if err != nil {
		t.Fatalf("InsertPosition failed: %v", err)
	}
}

func openSymbols(t *testing.T, s *storage.Store) map[string]decimal.Decimal {
	t.Helper()
	ps, err := s.OpenPositions(context.Background())
	if err != nil {
		t.Fatalf("OpenPositions failed: %v", err)
	}
	out := map[string]decimal.Decimal{}
	for _, p := range ps {
		out[p.Symbol] = p.Qty
	}
	return out
}

func TestScenarioAImportsBrokerPosition(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	broker := markettest.NewFakeBroker(100000)
	broker.Hold("AAPL", 10, 190.25)
	spy := &SpyAlerter{}

	res, err := New(broker, spy, Options{Threshold: 3}).Run(ctx, store, "2025-06-02_entry-cycle", now)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != models.IssueAddedMissing {
		t.Fatalf("Expected one ADDED_MISSING issue, got %+v", res.Issues)
	}

	p, _ := store.OpenPosition(ctx, "AAPL")
	if p == nil {
		t.Fatal("Expected AAPL to be imported")
	}
	if p.Provenance != models.ProvenanceReconciliation || !p.Qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected reconciliation provenance and qty 10, got %s x%s", p.Provenance, p.Qty)
	}
	if p.Sector != "Technology" {
		t.Errorf("Expected Technology sector, got %s", p.Sector)
	}

	logs, _ := store.ReconciliationLogs(ctx, "2025-06-02_entry-cycle")
	if len(logs) != 1 || !logs[0].AutoFixed {
		t.Errorf("Expected 1 auto-fixed reconciliation log, got %+v", logs)
	}
	for _, sev := range spy.Sent {
		if sev != models.SeverityWarn {
			t.Errorf("Expected no alert above warn, got %s", sev)
		}
	}
}

func TestScenarioEThresholdAppliesNothing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	addLocal(t, store, "AAPL", 10)
	addLocal(t, store, "MSFT", 5)

	broker := markettest.NewFakeBroker(100000)
	broker.Hold("JPM", 4, 200)
	broker.Hold("XOM", 8, 110)
	spy := &SpyAlerter{}

	res, err := New(broker, spy, Options{Threshold: 3}).Run(ctx, store, "exec-e", now)
	if !errors.Is(err, ErrThresholdExceeded) {
		t.Fatalf("Expected ErrThresholdExceeded, got %v", err)
	}
	if len(res.Issues) != 4 || res.Applied {
		t.Errorf("Expected 4 unapplied issues, got %d (applied=%v)", len(res.Issues), res.Applied)
	}

	open := openSymbols(t, store)
	if len(open) != 2 || open["AAPL"].IsZero() || open["MSFT"].IsZero() {
		t.Errorf("Expected local ledger untouched, got %v", open)
	}
	logs, _ := store.ReconciliationLogs(ctx, "exec-e")
	if len(logs) != 4 {
		t.Errorf("Expected 4 audit rows for review, got %d", len(logs))
	}
	for _, l := range logs {
		if l.AutoFixed {
			t.Errorf("Expected %s %s logged as not fixed", l.IssueType, l.Symbol)
		}
	}
	if len(res.Broker) != 2 {
		t.Errorf("Expected the confirmed broker positions returned, got %d", len(res.Broker))
	}
	if len(spy.Sent) != 1 || spy.Sent[0] != models.SeverityCritical {
		t.Errorf("Expected exactly one critical alert, got %v", spy.Sent)
	}
}

func TestConvergence(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	addLocal(t, store, "AAPL", 10)
	addLocal(t, store, "MSFT", 5)

	broker := markettest.NewFakeBroker(100000)
	broker.Hold("AAPL", 12, 101)
	broker.Hold("NVDA", 3, 120)

	r := New(broker, &SpyAlerter{}, Options{Threshold: 5})
	res, err := r.Run(ctx, store, "exec-1", now)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Issues) != 3 {
		t.Fatalf("Expected 3 issues, got %+v", res.Issues)
	}

	open := openSymbols(t, store)
	want := map[string]int64{"AAPL": 12, "NVDA": 3}
	if len(open) != len(want) {
		t.Fatalf("Expected %v, got %v", want, open)
	}
	for sym, q := range want {
		if !open[sym].Equal(decimal.NewFromInt(q)) {
			t.Errorf("Expected %s x%d, got %s", sym, q, open[sym])
		}
	}

	closed, _ := store.OpenPosition(ctx, "MSFT")
	if closed != nil {
		t.Error("Expected MSFT to be closed")
	}

	// A second pass finds nothing.
	res, err = r.Run(ctx, store, "exec-2", now)
	if err != nil || len(res.Issues) != 0 {
		t.Errorf("Expected a clean second pass, got %+v (%v)", res.Issues, err)
	}
}

func TestUnstableReadsAbort(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	broker := markettest.NewFakeBroker(100000)
	broker.PositionReads = [][]models.BrokerPosition{
		{{Symbol: "AAPL", Qty: decimal.NewFromInt(10)}},
		{},
	}

	res, err := New(broker, &SpyAlerter{}, Options{Threshold: 3}).Run(ctx, store, "exec-u", now)
	if !errors.Is(err, ErrUnstable) {
		t.Fatalf("Expected ErrUnstable, got %v", err)
	}
	if res != nil {
		t.Errorf("Expected no result, got %+v", res)
	}
	if open := openSymbols(t, store); len(open) != 0 {
		t.Errorf("Expected nothing written, got %v", open)
	}
}

func TestDiffTolerance(t *testing.T) {
	local := []models.Position{{ID: 1, Symbol: "AAPL", Qty: decimal.NewFromFloat(10)}}
	broker := []models.BrokerPosition{{Symbol: "AAPL", Qty: decimal.NewFromFloat(10.0004)}}
	if issues := Diff(local, broker); len(issues) != 0 {
		t.Errorf("Expected fractional noise to be ignored, got %+v", issues)
	}

	broker[0].Qty = decimal.NewFromFloat(10.5)
	issues := Diff(local, broker)
	if len(issues) != 1 || issues[0].Kind != models.IssueQtyMismatch {
		t.Errorf("Expected QTY_MISMATCH, got %+v", issues)
	}
}
