package health

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/market/markettest"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/storage"
)

func setup(t *testing.T) (*config.Config, *markettest.FakeBroker, *storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Options{Path: filepath.Join(t.TempDir(), "trading.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.PaperEnv = true
	cfg.APIBaseURL = "https://paper-api.alpaca.markets"
	return cfg, markettest.NewFakeBroker(100000), store
}

func find(r *Report, name string) Result {
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	return Result{Name: name, Message: "missing"}
}

func TestHealthyFirstRun(t *testing.T) {
	cfg, broker, store := setup(t)
	c := NewChecker(cfg, broker, store)
	c.freeBytes = func(ctx context.Context, path string) (uint64, error) { return 500 << 20, nil }

	r := c.Run(context.Background(), time.Now())
	if !r.AllOK() {
		t.Fatalf("Expected all checks to pass, got:\n%s", r.Summary())
	}
	if len(r.Checks) != 7 {
		t.Errorf("Expected 7 checks, got %d", len(r.Checks))
	}
	if !strings.HasPrefix(r.Summary(), "Health Check: 7/7 passed") {
		t.Errorf("Unexpected summary %q", r.Summary())
	}
}

func TestHealthFailures(t *testing.T) {
	cfg, broker, store := setup(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 4, 14, 0, 0, 0, time.UTC)

	// Last success 48h ago, three errors since, an L3 breaker.
	old := now.Add(-48 * time.Hour)
	if err := store.StartExecution(ctx, "2025-06-02_close-cycle", "close-cycle", "a1", old); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, "2025-06-02_close-cycle", "", "", time.Second, old); err != nil {
		t.Fatal(err)
	}
	// A passing health check is not trading progress.
	hc := "2025-06-04T13:30:00_health-check"
	store.StartExecution(ctx, hc, "health-check", "h", now.Add(-30*time.Minute))
	store.MarkCompleted(ctx, hc, "", "", time.Second, now.Add(-30*time.Minute))
	for i, id := range []string{"2025-06-03_entry-cycle", "2025-06-03_monitoring-cycle", "2025-06-04_entry-cycle"} {
		at := now.Add(-time.Duration(i+1) * time.Hour)
		store.StartExecution(ctx, id, "entry-cycle", "a", at)
		store.MarkFinished(ctx, id, models.ExecError, "boom", time.Second, at)
	}
	store.RecordBreaker(ctx, &models.CircuitBreakerEvent{Level: 3, TriggeredAt: now, DrawdownPct: 10.5})

	cfg.PaperEnv = false
	broker.FailAccount = errors.New("connection refused")

	c := NewChecker(cfg, broker, store)
	c.freeBytes = func(ctx context.Context, path string) (uint64, error) { return 50 << 20, nil }

	r := c.Run(ctx, now)
	if r.AllOK() {
		t.Fatal("Expected failures")
	}
	for _, name := range []string{"paper_trading", "api_connectivity", "execution_staleness", "circuit_breaker", "recent_errors", "disk_space"} {
		if find(r, name).OK {
			t.Errorf("Expected %s to fail", name)
		}
	}
	if !find(r, "db_integrity").OK {
		t.Errorf("Expected db_integrity to pass, got %s", find(r, "db_integrity").Message)
	}
	if len(r.Failed()) != 6 {
		t.Errorf("Expected 6 failures, got %d", len(r.Failed()))
	}
}

func TestBreakerBelowHaltIsHealthy(t *testing.T) {
	cfg, broker, store := setup(t)
	store.RecordBreaker(context.Background(), &models.CircuitBreakerEvent{Level: 2, TriggeredAt: time.Now(), DrawdownPct: 7.2})

	c := NewChecker(cfg, broker, store)
	res := c.circuitBreaker(context.Background())
	if !res.OK || !strings.Contains(res.Message, "Level 2") {
		t.Errorf("Expected L2 to pass with a note, got %+v", res)
	}
}
