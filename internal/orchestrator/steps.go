package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/smilior/alpaca-trading/internal/decision"
	"github.com/smilior/alpaca-trading/internal/execution"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/reconcile"
	"github.com/smilior/alpaca-trading/internal/risk"

	"github.com/shopspring/decimal"
)

func (o *Orchestrator) reconcile(ctx context.Context, c *cycle) error {
	res, err := o.reconciler.Run(ctx, c.tx, c.id, c.now)
	switch {
	case errors.Is(err, reconcile.ErrUnstable):
		log.Printf("⚠️ [RECONCILE] %v; entries blocked this cycle", err)
		c.entriesBlocked = "broker positions changed during reconciliation"
		return nil
	case errors.Is(err, reconcile.ErrThresholdExceeded):
		// Nothing was corrected. The cycle continues without new entries and
		// leaves drifted symbols alone until an operator reviews them.
		c.broker = res.Broker
		c.brokerRead = true
		c.drift = map[string]string{}
		for _, is := range res.Issues {
			c.drift[is.Symbol] = is.Kind
		}
		c.entriesBlocked = "reconciliation drift awaiting manual review"
		o.metrics.Reconciliation(res.Issues)
		log.Printf("⚠️ [RECONCILE] continuing with %d drifted symbol(s) excluded", len(c.drift))
		return nil
	case err != nil:
		return fmt.Errorf("reconcile: %w", err)
	}
	c.broker = res.Broker
	c.brokerRead = true
	o.metrics.Reconciliation(res.Issues)
	return nil
}

// snapshotPortfolio derives the cycle's account view from broker truth and
// the archived equity peak.
func (o *Orchestrator) snapshotPortfolio(ctx context.Context, c *cycle) error {
	acct, err := o.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	if !c.brokerRead {
		if c.broker, err = o.broker.ListPositions(ctx); err != nil {
			return fmt.Errorf("fetch positions: %w", err)
		}
	}

	equity := acct.Equity.InexactFloat64()
	peak, ok, err := c.tx.PeakEquity(ctx)
	if err != nil {
		return fmt.Errorf("load equity peak: %w", err)
	}
	if !ok {
		peak = equity
	}
	dd, hwm := risk.Drawdown(equity, peak)

	pv := decimal.Zero
	for _, p := range c.broker {
		pv = pv.Add(p.MarketValue)
	}
	daily := 0.0
	if acct.LastEquity.IsPositive() {
		daily = acct.Equity.Sub(acct.LastEquity).Div(acct.LastEquity).InexactFloat64() * 100
	}

	c.portfolio = &models.PortfolioSnapshot{
		TakenAt:        c.now,
		Equity:         acct.Equity,
		LastEquity:     acct.LastEquity,
		Cash:           acct.Cash,
		BuyingPower:    acct.BuyingPower,
		PositionsValue: pv,
		HighWaterMark:  decimal.NewFromFloat(hwm),
		DrawdownPct:    dd,
		DailyPnLPct:    daily,
		Positions:      c.broker,
	}
	o.metrics.Portfolio(c.portfolio)
	log.Printf("💰 Portfolio: equity $%s | cash $%s | drawdown %.2f%% (HWM $%.2f) | %d position(s)",
		acct.Equity.StringFixed(2), acct.Cash.StringFixed(2), dd, hwm, len(c.broker))

	return o.loadPositions(ctx, c)
}

func (o *Orchestrator) loadPositions(ctx context.Context, c *cycle) error {
	local, err := c.tx.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	c.positions = make([]models.Position, 0, len(local))
	c.drifted = nil
	for _, p := range local {
		if _, ok := c.drift[p.Symbol]; ok {
			c.drifted = append(c.drifted, p)
			continue
		}
		c.positions = append(c.positions, p)
	}
	return nil
}

// liquidationSet is every local position the broker still holds. A quantity
// mismatch does not matter here because the broker closes its full quantity.
func (c *cycle) liquidationSet() []models.Position {
	out := append([]models.Position(nil), c.positions...)
	for _, p := range c.drifted {
		if c.drift[p.Symbol] == models.IssueQtyMismatch {
			out = append(out, p)
		}
	}
	return out
}

// evaluateRisk runs the breaker and the level's forced actions.
func (o *Orchestrator) evaluateRisk(ctx context.Context, c *cycle) error {
	st, err := o.breaker.Evaluate(ctx, c.tx, c.portfolio.DrawdownPct, c.now)
	if err != nil {
		return err
	}
	c.breaker = st
	o.metrics.Breaker(st.Level)

	policy := risk.PolicyFor(st.Level, o.cfg)
	switch {
	case st.Escalated:
		sev := models.SeverityError
		if st.Level >= 3 {
			sev = models.SeverityCritical
		}
		o.alert(ctx, sev, fmt.Sprintf("🚨 Circuit breaker L%d (was L%d): drawdown %.2f%%.\n%s",
			st.Level, st.PreviousLevel, st.DrawdownPct, describePolicy(policy)))
	case len(st.Resolutions) > 0:
		for _, note := range st.Resolutions {
			o.alert(ctx, models.SeverityWarn, fmt.Sprintf("🔓 Circuit breaker resolved: %s", note))
		}
	}

	switch {
	case policy.LiquidateAll && len(c.liquidationSet()) > 0:
		targets := c.liquidationSet()
		log.Printf("🚨 [RISK] L%d: liquidating %d position(s)", st.Level, len(targets))
		if len(c.drift) > 0 {
			log.Printf("⚠️ [RISK] drifted symbols outside the local ledger are left for manual review: %v", driftSymbols(c))
		}
		n, err := o.executor.LiquidateAll(ctx, c.tx, c.id, targets, models.CloseCircuitBreaker, c.now)
		for i := 0; i < n; i++ {
			o.metrics.Order("sell", models.OrderSubmitted)
		}
		if err != nil {
			log.Printf("❌ [RISK] liquidation incomplete: %v", err)
		}
		return o.loadPositions(ctx, c)
	case policy.UnwindTo >= 0 && len(c.positions) > policy.UnwindTo:
		if err := o.unwind(ctx, c, policy.UnwindTo); err != nil {
			return err
		}
		return o.loadPositions(ctx, c)
	}
	return nil
}

func describePolicy(p risk.Policy) string {
	switch {
	case p.LiquidateAll:
		return "All positions are being liquidated. Trading halted until an operator resolves the breaker."
	case !p.AllowEntries:
		return fmt.Sprintf("New entries halted; unwinding toward %d position(s).", p.UnwindTo)
	case p.SizeMultiplier < 1:
		return fmt.Sprintf("Entries limited to %d/day at %.0f%% size.", p.MaxEntriesPerDay, p.SizeMultiplier*100)
	}
	return fmt.Sprintf("Entries limited to %d/day.", p.MaxEntriesPerDay)
}

// recentDecisionRuns bounds how far back the unwind ranking looks for the
// model's latest view of a symbol.
const recentDecisionRuns = 10

// unwind closes the single highest-ranked position. Later cycles continue
// until the target count is reached.
func (o *Orchestrator) unwind(ctx context.Context, c *cycle, target int) error {
	prices, err := o.data.LatestPrices(ctx, symbolsOf(c.positions))
	if err != nil {
		log.Printf("⚠️ [RISK] prices for unwind ranking unavailable: %v", err)
		prices = map[string]decimal.Decimal{}
	}
	confidence := map[string]int{}
	if stored, err := c.tx.RecentDecisions(ctx, recentDecisionRuns); err != nil {
		log.Printf("⚠️ [RISK] stored decisions unavailable for unwind ranking: %v", err)
	} else {
		confidence = decision.LatestConfidence(stored)
	}
	cands := make([]risk.UnwindCandidate, 0, len(c.positions))
	for _, p := range c.positions {
		cand := risk.UnwindCandidate{Position: p, Price: prices[p.Symbol]}
		if v, ok := confidence[p.Symbol]; ok {
			cand.LatestConfidence = &v
		}
		cands = append(cands, cand)
	}
	selected := risk.SelectUnwind(cands, target, o.cfg.Strategy.TimeStopDays, c.now)
	if len(selected) == 0 {
		return nil
	}
	pick := selected[0]
	log.Printf("📉 [RISK] staged unwind (%d over target %d): closing %s", len(selected), target, pick)

	for _, p := range c.positions {
		if p.ID == pick.PositionID {
			_, err := o.sell(ctx, c, p, models.CloseDrawdownReduction)
			return err
		}
	}
	return nil
}

// sell closes p and counts the outcome. Duplicate and failed submissions are
// not cycle errors: the first is already handled, the second already alerted.
func (o *Orchestrator) sell(ctx context.Context, c *cycle, p models.Position, reason string) (bool, error) {
	out, err := o.executor.Sell(ctx, c.tx, execution.SellIntent{ExecutionID: c.id, Position: p, Reason: reason}, c.now)
	return o.settled("sell", out, err)
}

func (o *Orchestrator) settled(side string, out *execution.Outcome, err error) (bool, error) {
	if st := out.State(); st != "" {
		o.metrics.Order(side, st)
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, execution.ErrDuplicateOrder), errors.Is(err, execution.ErrSubmitFailed):
		return false, nil
	}
	return false, err
}

func (o *Orchestrator) repairStops(ctx context.Context, c *cycle) error {
	if len(c.positions) == 0 {
		return nil
	}
	prices, err := o.data.LatestPrices(ctx, symbolsOf(c.positions))
	if err != nil {
		log.Printf("⚠️ [ORDER] latest prices unavailable, checking stops without them: %v", err)
		prices = map[string]decimal.Decimal{}
	}
	skip := map[string]bool{}
	for sym := range c.drift {
		skip[sym] = true
	}
	repairs, err := o.executor.RepairStops(ctx, c.tx, c.id, prices, skip, c.now)
	if err != nil {
		return fmt.Errorf("stop repair: %w", err)
	}
	for _, r := range repairs {
		if r.Disposition != models.ProtectionActive {
			log.Printf("🛡️ [ORDER] %s protection %s (order %s, price %s)", r.Symbol, r.Disposition, r.OrderID, r.Price.StringFixed(2))
		}
	}
	return o.loadPositions(ctx, c)
}

// timeStops closes positions held for the configured number of days.
func (o *Orchestrator) timeStops(ctx context.Context, c *cycle) error {
	limit := o.cfg.Strategy.TimeStopDays
	if limit <= 0 {
		return nil
	}
	for _, p := range c.positions {
		if p.Provenance == models.ProvenanceManual {
			continue
		}
		days := p.HoldingDays(c.day)
		if days < limit {
			continue
		}
		log.Printf("⏳ [RISK] %s held %d days (limit %d), closing", p.Symbol, days, limit)
		if _, err := o.sell(ctx, c, p, models.CloseTimeStop); err != nil {
			return err
		}
	}
	return o.loadPositions(ctx, c)
}

func driftSymbols(c *cycle) []string {
	out := make([]string, 0, len(c.drift))
	for sym := range c.drift {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func symbolsOf(ps []models.Position) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Symbol)
	}
	return out
}
