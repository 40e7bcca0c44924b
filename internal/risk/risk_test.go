package risk

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/shopspring/decimal"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestSizeScenarioC(t *testing.T) {
	in := SizingInput{
		Capital:        d(50000),
		Entry:          d(100.00),
		Stop:           d(94.10),
		RiskPct:        1.5,
		SlippageFactor: 1.0,
		RemainingSlots: 5,
	}

	got := Size(in)
	if got.Qty != 127 || got.BindingCap != CapRiskBudget {
		t.Errorf("Expected 127 shares bound by risk budget, got %d (%s)", got.Qty, got.BindingCap)
	}

	// 20% of 50,000 buys 100 shares at 100.
	in.MaxPositionPct = 20
	got = Size(in)
	if got.Qty != 100 || got.BindingCap != CapPositionValue {
		t.Errorf("Expected value cap of 100 shares, got %d (%s)", got.Qty, got.BindingCap)
	}
	if got.RiskQty != 127 {
		t.Errorf("Expected risk qty 127 recorded, got %d", got.RiskQty)
	}
}

func TestSizeCaps(t *testing.T) {
	base := SizingInput{Capital: d(50000), Entry: d(100), Stop: d(94.10), RiskPct: 1.5, SlippageFactor: 1.0, RemainingSlots: 1}

	tests := []struct {
		name    string
		mutate  func(*SizingInput)
		wantQty int64
		wantCap string
	}{
		{"slippage widens stop", func(in *SizingInput) { in.SlippageFactor = 1.3 }, 97, CapRiskBudget},
		{"breaker halves size", func(in *SizingInput) { in.SizeMultiplier = 0.5 }, 63, CapSizeMultiplier},
		{"no slots left", func(in *SizingInput) { in.RemainingSlots = 0 }, 0, CapPositionCount},
		{"stop equals entry", func(in *SizingInput) { in.Stop = d(100) }, 0, CapInvalidStop},
		{"no capital", func(in *SizingInput) { in.Capital = decimal.Zero }, 0, CapInvalidStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			got := Size(in)
			if got.Qty != tt.wantQty || got.BindingCap != tt.wantCap {
				t.Errorf("Expected %d (%s), got %d (%s)", tt.wantQty, tt.wantCap, got.Qty, got.BindingCap)
			}
		})
	}
}

func TestDrawdownAndLevels(t *testing.T) {
	pct, hwm := Drawdown(92000, 100000)
	if math.Abs(pct-8) > 1e-9 || hwm != 100000 {
		t.Errorf("Expected 8%% drawdown against 100000, got %.4f against %.0f", pct, hwm)
	}
	if pct, hwm := Drawdown(105000, 100000); pct != 0 || hwm != 105000 {
		t.Errorf("Expected new high to reset drawdown, got %.2f / %.0f", pct, hwm)
	}

	th := config.Default().Risk.CircuitBreakerPct
	for dd, want := range map[float64]int{0: 0, 3.99: 0, 4: 1, 6.5: 1, 7: 2, 10: 3, 14.9: 3, 15: 4, 40: 4} {
		if got := LevelFor(dd, th); got != want {
			t.Errorf("LevelFor(%.2f): expected L%d, got L%d", dd, want, got)
		}
	}
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.Options{Path: filepath.Join(t.TempDir(), "trading.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBreakerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	b := NewBreaker(config.Default())
	t0 := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	// 1. Breach L1
	st, err := b.Evaluate(ctx, store, 5, t0)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if st.Level != 1 || !st.Escalated {
		t.Fatalf("Expected escalation to L1, got %+v", st)
	}

	// 2. A good hour does not clear it
	st, _ = b.Evaluate(ctx, store, 1, t0.Add(time.Hour))
	if st.Level != 1 || st.Changed() || len(st.Resolutions) != 0 {
		t.Errorf("Expected L1 to hold during cooldown, got %+v", st)
	}

	// 3. Deeper loss escalates immediately and supersedes L1
	st, _ = b.Evaluate(ctx, store, 11, t0.Add(2*time.Hour))
	if st.Level != 3 || !st.Escalated || len(st.Resolutions) != 1 {
		t.Fatalf("Expected escalation to L3 superseding L1, got %+v", st)
	}

	// 4. Cooldown elapsed but drawdown still above the L3 threshold
	st, _ = b.Evaluate(ctx, store, 10.5, t0.Add(200*time.Hour))
	if st.Level != 3 {
		t.Errorf("Expected L3 to hold while drawdown is above threshold, got L%d", st.Level)
	}

	// 5. Cooldown elapsed and drawdown back under: explicit resolution, then L1 re-entered
	st, _ = b.Evaluate(ctx, store, 5, t0.Add(200*time.Hour))
	if st.Level != 1 || len(st.Resolutions) != 1 || !strings.HasPrefix(st.Resolutions[0], "auto:") {
		t.Fatalf("Expected auto resolution of L3 and re-entry at L1, got %+v", st)
	}
	if st.Escalated {
		t.Error("Expected a resolution not to count as escalation")
	}
}

func TestBreakerLevel4NeedsOperator(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	b := NewBreaker(config.Default())
	t0 := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	if st, _ := b.Evaluate(ctx, store, 16, t0); st.Level != 4 {
		t.Fatalf("Expected L4, got L%d", st.Level)
	}
	st, _ := b.Evaluate(ctx, store, 0, t0.AddDate(0, 3, 0))
	if st.Level != 4 {
		t.Errorf("Expected L4 to survive full recovery without an operator, got L%d", st.Level)
	}

	if _, err := Resolve(ctx, store, "", t0); err == nil {
		t.Error("Expected empty note to be refused")
	}
	n, err := Resolve(ctx, store, "reviewed positions, restarting", t0.AddDate(0, 3, 0))
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 resolution, got %d (%v)", n, err)
	}
	active, _ := store.ActiveBreaker(ctx)
	if active != nil {
		t.Errorf("Expected no active breaker, got %+v", active)
	}
}

func TestPolicyFor(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		level   int
		entries bool
		perDay  int
		mult    float64
		unwind  int
		liq     bool
	}{
		{0, true, 2, 1.0, -1, false},
		{1, true, 1, 1.0, -1, false},
		{2, true, 1, 0.5, -1, false},
		{3, false, 0, 1.0, 2, false},
		{4, false, 0, 1.0, 0, true},
	}
	for _, tt := range tests {
		p := PolicyFor(tt.level, cfg)
		if p.AllowEntries != tt.entries || p.MaxEntriesPerDay != tt.perDay || p.SizeMultiplier != tt.mult ||
			p.UnwindTo != tt.unwind || p.LiquidateAll != tt.liq {
			t.Errorf("L%d: unexpected policy %+v", tt.level, p)
		}
	}
}

func gateState(now time.Time, held ...string) *State {
	vix := 15.0
	return &State{
		Now: now,
		Portfolio: &models.PortfolioSnapshot{
			Equity:      d(100000),
			DrawdownPct: 0,
		},
		LastSnapshotDate: now.In(config.MarketLoc).AddDate(0, 0, -1).Format("2006-01-02"),
		Held:             held,
		VIX:              &vix,
	}
}

func TestGateFailsClosedAtMaxDrawdown(t *testing.T) {
	g := NewGate(config.Default())
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)

	st := gateState(now)
	st.Portfolio.DrawdownPct = 15.0
	st.Level = 0 // breaker not yet evaluated this cycle

	for _, sym := range []string{"AAPL", "JPM", "XOM", "KO", "LIN"} {
		v := g.Approve(st, Candidate{Symbol: sym, Confidence: 100, Entry: d(100), Stop: d(95)})
		if v.Approved {
			t.Errorf("Expected %s to be rejected at max drawdown", sym)
		}
	}
}

func TestGateStaleInputs(t *testing.T) {
	g := NewGate(config.Default())
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)

	st := gateState(now)
	st.LastSnapshotDate = ""
	if err := g.CheckInputs(st); !errors.Is(err, ErrStaleInput) {
		t.Errorf("Expected ErrStaleInput without history, got %v", err)
	}

	st = gateState(now)
	st.LastSnapshotDate = "2025-05-20"
	if err := g.CheckInputs(st); !errors.Is(err, ErrStaleInput) {
		t.Errorf("Expected ErrStaleInput for old snapshot, got %v", err)
	}

	st = gateState(now)
	st.Portfolio = nil
	if v := g.Approve(st, Candidate{Symbol: "AAPL", Confidence: 99, Entry: d(100), Stop: d(95)}); v.Approved {
		t.Error("Expected approval to be refused without a portfolio")
	}

	if err := g.CheckInputs(gateState(now)); err != nil {
		t.Errorf("Expected fresh inputs to pass, got %v", err)
	}
}

func TestGateEntryChecks(t *testing.T) {
	cfg := config.Default()
	g := NewGate(cfg)
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	cand := func(sym string, conf int) Candidate {
		return Candidate{Symbol: sym, Confidence: conf, Entry: d(100), Stop: d(94.10)}
	}

	// 1. Happy path sized by the value cap
	st := gateState(now)
	v := g.Approve(st, cand("AAPL", 80))
	if !v.Approved || v.Sizing.Qty != 200 || v.Sizing.BindingCap != CapPositionValue {
		t.Fatalf("Expected AAPL approved for 200 shares by value cap, got %+v", v)
	}
	if v.Sector != "Technology" {
		t.Errorf("Expected Technology sector, got %s", v.Sector)
	}

	// 2. Same symbol again in the same cycle
	if v := g.Approve(st, cand("AAPL", 90)); v.Approved {
		t.Error("Expected duplicate symbol to be rejected")
	}

	// 3. Second entry allowed, third hits the daily limit
	if v := g.Approve(st, cand("JPM", 75)); !v.Approved {
		t.Errorf("Expected JPM approved, got %s", v.Reason)
	}
	if v := g.Approve(st, cand("XOM", 95)); v.Approved || !strings.Contains(v.Reason, "daily entry limit") {
		t.Errorf("Expected daily limit rejection, got %+v", v)
	}

	// 4. Low confidence and out-of-universe symbols
	st = gateState(now)
	if v := g.Approve(st, cand("MSFT", 69)); v.Approved {
		t.Error("Expected confidence 69 to be rejected")
	}
	if v := g.Approve(st, cand("ZZZZ", 99)); v.Approved {
		t.Error("Expected unknown symbol to be rejected")
	}

	// 5. Sector limits: Technology holds 3, others 2
	st = gateState(now, "AAPL", "MSFT", "NVDA")
	if v := g.Approve(st, cand("GOOGL", 90)); v.Approved || !strings.Contains(v.Reason, "sector") {
		t.Errorf("Expected Technology sector limit, got %+v", v)
	}
	st = gateState(now, "JPM", "V")
	if v := g.Approve(st, cand("MA", 90)); v.Approved {
		t.Error("Expected Financials sector limit")
	}

	// 6. Extreme VIX halts entries; unknown VIX caps at 3 positions
	st = gateState(now)
	extreme := 35.0
	st.VIX = &extreme
	if v := g.Approve(st, cand("KO", 90)); v.Approved {
		t.Error("Expected extreme VIX to block entries")
	}
	st = gateState(now, "KO", "XOM", "NEE")
	st.VIX = nil
	if g.Slots(st) != 0 {
		t.Errorf("Expected no slots with unknown VIX and 3 positions, got %d", g.Slots(st))
	}
}

func TestGateBreakerLevels(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.MaxPositionPct = 100
	g := NewGate(cfg)
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)

	st := gateState(now)
	st.Level = 2
	v := g.Approve(st, Candidate{Symbol: "AAPL", Confidence: 90, Entry: d(100), Stop: d(94.10)})
	// 1,500 / 5.90 = 254, halved to 127
	if !v.Approved || v.Sizing.Qty != 127 || v.Sizing.BindingCap != CapSizeMultiplier {
		t.Fatalf("Expected halved size at L2, got %+v", v)
	}
	if v := g.Approve(st, Candidate{Symbol: "JPM", Confidence: 90, Entry: d(100), Stop: d(94.10)}); v.Approved {
		t.Error("Expected L2 to allow a single entry per day")
	}

	st = gateState(now)
	st.Level = 3
	if ok, _ := g.EntriesAllowed(st); ok {
		t.Error("Expected L3 to halt entries")
	}
}

func TestGateCorrelation(t *testing.T) {
	g := NewGate(config.Default())
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)

	series := make([]float64, 40)
	inverse := make([]float64, 40)
	for i := range series {
		series[i] = math.Sin(float64(i)) / 100
		inverse[i] = -series[i]
	}

	st := gateState(now, "MSFT")
	st.Returns = map[string][]float64{"MSFT": series, "AAPL": series, "XOM": inverse}

	if v := g.Approve(st, Candidate{Symbol: "AAPL", Confidence: 90, Entry: d(100), Stop: d(95)}); v.Approved {
		t.Error("Expected perfectly correlated AAPL to be rejected")
	}
	if v := g.Approve(st, Candidate{Symbol: "XOM", Confidence: 90, Entry: d(100), Stop: d(95)}); !v.Approved {
		t.Errorf("Expected anti-correlated XOM approved, got %s", v.Reason)
	}
}

func TestRankForUnwind(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	conf := func(v int) *int { return &v }
	pos := func(id uint, sym, entryDate string, entry, stop float64, sector string, sentiment int) models.Position {
		return models.Position{
			ID: id, Symbol: sym, EntryDate: entryDate, Sector: sector,
			EntryPrice:     d(entry),
			StopLoss:       decimal.NewNullDecimal(d(stop)),
			SentimentScore: conf(sentiment),
		}
	}

	cands := []UnwindCandidate{
		// old, near its stop, shares a sector, sentiment collapsed
		{Position: pos(1, "AAPL", "2025-06-01", 100, 90, "Technology", 85), Price: d(91), LatestConfidence: conf(40)},
		// fresh, in profit
		{Position: pos(2, "XOM", "2025-06-09", 100, 90, "Energy", 80), Price: d(104)},
		// mid holding, shares a sector with AAPL
		{Position: pos(3, "MSFT", "2025-06-05", 100, 90, "Technology", 80), Price: d(99)},
	}

	ranked := RankForUnwind(cands, 10, now)
	if ranked[0].Symbol != "AAPL" || ranked[2].Symbol != "XOM" {
		t.Errorf("Unexpected order: %v", ranked)
	}

	sel := SelectUnwind(cands, 2, 10, now)
	if len(sel) != 1 || sel[0].Symbol != "AAPL" {
		t.Errorf("Expected only AAPL selected, got %v", sel)
	}
	if sel := SelectUnwind(cands, 5, 10, now); sel != nil {
		t.Errorf("Expected nothing to unwind under target, got %v", sel)
	}

	// Ranking is reproducible
	again := RankForUnwind(cands, 10, now)
	for i := range ranked {
		if ranked[i].Symbol != again[i].Symbol {
			t.Fatalf("Expected deterministic ranking, got %v then %v", ranked, again)
		}
	}
}

func TestSectorOf(t *testing.T) {
	if SectorOf("JPM") != "Financials" {
		t.Errorf("Expected Financials, got %s", SectorOf("JPM"))
	}
	if SectorOf("NOPE") != SectorUnknown {
		t.Errorf("Expected Unknown, got %s", SectorOf("NOPE"))
	}
	if len(Universe()) != 30 {
		t.Errorf("Expected 30 symbols, got %d", len(Universe()))
	}
}

func TestRankForUnwindSentimentDecides(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	conf := func(v int) *int { return &v }
	pos := func(id uint, sym, sector string) models.Position {
		return models.Position{
			ID: id, Symbol: sym, EntryDate: "2025-06-05", Sector: sector,
			EntryPrice:     d(100),
			StopLoss:       decimal.NewNullDecimal(d(90)),
			SentimentScore: conf(80),
		}
	}
	cands := []UnwindCandidate{
		{Position: pos(1, "AAPL", "Technology"), Price: d(98), LatestConfidence: conf(80)},
		{Position: pos(2, "XOM", "Energy"), Price: d(98)},
	}

	// Identical otherwise, so the symbol tie-break puts AAPL first.
	if ranked := RankForUnwind(cands, 10, now); ranked[0].Symbol != "AAPL" {
		t.Fatalf("Expected AAPL first on a tie, got %v", ranked)
	}

	cands[1].LatestConfidence = conf(30)
	ranked := RankForUnwind(cands, 10, now)
	if ranked[0].Symbol != "XOM" {
		t.Errorf("Expected XOM first after its confidence fell, got %v", ranked)
	}
	if ranked[0].Sentiment != 0.5 {
		t.Errorf("Expected sentiment factor 0.5, got %.2f", ranked[0].Sentiment)
	}
}

func TestSizeDoesNotSplitCapitalAcrossSlots(t *testing.T) {
	in := SizingInput{Capital: d(50000), Entry: d(100), Stop: d(94.10), RiskPct: 1.5, SlippageFactor: 1.0, MaxPositionPct: 20, RemainingSlots: 1}
	one := Size(in)
	in.RemainingSlots = 5
	five := Size(in)
	if one.Qty != five.Qty || one.BindingCap != five.BindingCap {
		t.Errorf("Expected the same size for 1 and 5 free slots, got %d (%s) and %d (%s)",
			one.Qty, one.BindingCap, five.Qty, five.BindingCap)
	}
	if one.Qty != 100 || one.BindingCap != CapPositionValue {
		t.Errorf("Expected 100 shares bound by the value cap, got %d (%s)", one.Qty, one.BindingCap)
	}
}
