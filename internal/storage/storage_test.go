package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "state", "trading.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), v)
	}
	if err := s.IntegrityCheck(ctx); err != nil {
		t.Errorf("Expected integrity check to pass, got %v", err)
	}

	// Reopening must not re-apply anything.
	path := s.Path()
	s.Close()
	s2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()
	v2, _ := s2.SchemaVersion(ctx)
	if v2 != v {
		t.Errorf("Expected version %d after reopen, got %d", v, v2)
	}
}

func TestLedgerIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)
	id := LogicalID("entry-cycle", now)

	if id != "2025-06-02_entry-cycle" {
		t.Fatalf("Unexpected logical id %s", id)
	}

	done, err := s.IsCompleted(ctx, id)
	if err != nil || done {
		t.Fatalf("Expected fresh id to be incomplete, got done=%v err=%v", done, err)
	}

	if err := s.StartExecution(ctx, id, "entry-cycle", "attempt-1", now); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	// A crashed attempt can be taken over.
	if err := s.StartExecution(ctx, id, "entry-cycle", "attempt-2", now); err != nil {
		t.Fatalf("Restart of running execution failed: %v", err)
	}

	err = s.Transaction(ctx, func(tx *Store) error {
		return tx.MarkCompleted(ctx, id, "[]", "test-model", time.Second, now)
	})
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	done, _ = s.IsCompleted(ctx, id)
	if !done {
		t.Errorf("Expected %s to be completed", id)
	}

	err = s.StartExecution(ctx, id, "entry-cycle", "attempt-3", now)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Expected ErrAlreadyCompleted, got %v", err)
	}

	rec, _ := s.Execution(ctx, id)
	if rec.AttemptID != "attempt-2" {
		t.Errorf("Expected completed attempt to stay attempt-2, got %s", rec.AttemptID)
	}
}

func TestTransactionRollsBackEverything(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)
	id := LogicalID("entry-cycle", now)

	if err := s.StartExecution(ctx, id, "entry-cycle", "a", now); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	boom := errors.New("broker unreachable")
	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.InsertPosition(ctx, &models.Position{
			Symbol: "AAPL", Qty: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(190),
			EntryDate: "2025-06-02", Provenance: models.ProvenanceAgent,
		}); err != nil {
			return err
		}
		if err := tx.MarkCompleted(ctx, id, "", "", 0, now); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected rollback error, got %v", err)
	}

	open, _ := s.OpenPositions(ctx)
	if len(open) != 0 {
		t.Errorf("Expected no positions after rollback, got %d", len(open))
	}
	done, _ := s.IsCompleted(ctx, id)
	if done {
		t.Error("Expected completion to be rolled back with the cycle")
	}
}

func TestClosedPositionIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	p := &models.Position{
		Symbol: "MSFT", Qty: decimal.NewFromInt(5), EntryPrice: decimal.NewFromInt(400),
		EntryDate: "2025-06-02", Provenance: models.ProvenanceAgent,
	}
	if err := s.InsertPosition(ctx, p); err != nil {
		t.Fatalf("InsertPosition failed: %v", err)
	}
	if err := s.ClosePosition(ctx, p.ID, decimal.NewFromInt(410), day, models.CloseSignal); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	err := s.ClosePosition(ctx, p.ID, decimal.NewFromInt(1), day, models.CloseManual)
	if !errors.Is(err, ErrPositionClosed) {
		t.Errorf("Expected ErrPositionClosed on second close, got %v", err)
	}
	if err := s.UpdatePositionQty(ctx, p.ID, decimal.NewFromInt(1)); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("Expected ErrPositionClosed on qty update, got %v", err)
	}
	if err := s.UpdatePositionQty(ctx, p.ID, decimal.NewFromInt(-1)); err == nil {
		t.Error("Expected negative quantity to be refused")
	}

	open, _ := s.OpenPosition(ctx, "MSFT")
	if open != nil {
		t.Errorf("Expected no open MSFT position, got %+v", open)
	}
}

func TestPeakEquityAndSnapshotUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.PeakEquity(ctx); ok || err != nil {
		t.Fatalf("Expected no peak on empty history, got ok=%v err=%v", ok, err)
	}

	for _, snap := range []models.DailySnapshot{
		{Date: "2025-06-02", TotalEquity: decimal.NewFromInt(100000), HighWaterMark: decimal.NewFromInt(100000)},
		{Date: "2025-06-03", TotalEquity: decimal.NewFromInt(97000), HighWaterMark: decimal.NewFromInt(100000)},
		{Date: "2025-06-03", TotalEquity: decimal.NewFromInt(98000), HighWaterMark: decimal.NewFromInt(100000)},
	} {
		snap := snap
		if err := s.UpsertDailySnapshot(ctx, &snap); err != nil {
			t.Fatalf("UpsertDailySnapshot failed: %v", err)
		}
	}

	peak, ok, err := s.PeakEquity(ctx)
	if err != nil || !ok {
		t.Fatalf("PeakEquity failed: ok=%v err=%v", ok, err)
	}
	if peak != 100000 {
		t.Errorf("Expected peak 100000, got %f", peak)
	}

	latest, _ := s.LatestSnapshot(ctx)
	if latest == nil || latest.Date != "2025-06-03" {
		t.Fatalf("Expected latest snapshot 2025-06-03, got %+v", latest)
	}
	if !latest.TotalEquity.Equal(decimal.NewFromInt(98000)) {
		t.Errorf("Expected upserted equity 98000, got %s", latest.TotalEquity)
	}
}

func TestBackupKeepsGenerations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "backups")

	start := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if _, err := s.Backup(ctx, dir, 2, start.AddDate(0, 0, i)); err != nil {
			t.Fatalf("Backup %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 backups kept, got %d", len(entries))
	}
	if entries[1].Name() != "trading-20250604.db" {
		t.Errorf("Expected newest backup trading-20250604.db, got %s", entries[1].Name())
	}
}

func TestRecordParamChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, err := s.RecordParamChanges(ctx, map[string]string{"risk.max_position_pct": "20", "strategy.max_daily_entries": "2"}, "startup", now)
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 initial rows, got %d (err %v)", n, err)
	}
	n, _ = s.RecordParamChanges(ctx, map[string]string{"risk.max_position_pct": "20", "strategy.max_daily_entries": "3"}, "startup", now)
	if n != 1 {
		t.Errorf("Expected 1 changed param, got %d", n)
	}
}

func TestLastSuccessIgnoresHealthChecks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cycleAt := time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)
	healthAt := cycleAt.Add(20 * time.Hour)

	runs := []struct {
		id, mode, decisions string
		at                  time.Time
	}{
		{"2025-06-02_entry-cycle", "entry-cycle", `{"decisions":[]}`, cycleAt},
		{"2025-06-03T09:30:00_health-check", "health-check", "", healthAt},
	}
	for _, r := range runs {
		if err := s.StartExecution(ctx, r.id, r.mode, "a", r.at); err != nil {
			t.Fatalf("StartExecution failed: %v", err)
		}
		if err := s.MarkCompleted(ctx, r.id, r.decisions, "", time.Second, r.at); err != nil {
			t.Fatalf("MarkCompleted failed: %v", err)
		}
	}

	last, err := s.LastSuccess(ctx)
	if err != nil {
		t.Fatalf("LastSuccess failed: %v", err)
	}
	if last == nil || last.ExecutionID != "2025-06-02_entry-cycle" {
		t.Errorf("Expected the entry cycle, got %+v", last)
	}

	stored, err := s.RecentDecisions(ctx, 5)
	if err != nil {
		t.Fatalf("RecentDecisions failed: %v", err)
	}
	if len(stored) != 1 || stored[0] != `{"decisions":[]}` {
		t.Errorf("Expected only the entry cycle payload, got %v", stored)
	}
}
