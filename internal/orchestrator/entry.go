package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/smilior/alpaca-trading/internal/ai"
	"github.com/smilior/alpaca-trading/internal/decision"
	"github.com/smilior/alpaca-trading/internal/execution"
	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/risk"

	"github.com/shopspring/decimal"
)

// entryBand is how far the model's entry may sit from the last close before
// the close is used instead.
const entryBand = 0.02

func (o *Orchestrator) riskState(ctx context.Context, c *cycle) (*risk.State, error) {
	latest, err := c.tx.LatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load daily snapshot: %w", err)
	}
	entries, err := c.tx.CountEntriesOn(ctx, c.day)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	st := &risk.State{
		Now:          c.now,
		Portfolio:    c.portfolio,
		Level:        c.breaker.Level,
		EntriesToday: int(entries),
		Held:         heldSymbols(c),
	}
	if latest != nil {
		st.LastSnapshotDate = latest.Date
	}
	return st, nil
}

// heldSymbols is the union of local and broker positions.
func heldSymbols(c *cycle) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range c.positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	for _, p := range c.broker {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// trade asks the model for decisions and executes them, sells first.
func (o *Orchestrator) trade(ctx context.Context, c *cycle) error {
	st, err := o.riskState(ctx, c)
	if err != nil {
		return err
	}
	allowed, why := o.gate.EntriesAllowed(st)
	if c.entriesBlocked != "" {
		allowed, why = false, c.entriesBlocked
	}
	if !allowed {
		log.Printf("⛔ [RISK] No new entries this cycle: %s", why)
		if len(c.positions) == 0 {
			return nil
		}
	}
	if o.analyzer == nil {
		log.Println("⚠️ No reasoning engine configured, skipping analysis")
		return nil
	}

	snap, err := market.BuildSnapshot(ctx, o.data, mergeSymbols(risk.Universe(), st.Held), c.now)
	if err != nil {
		return fmt.Errorf("market snapshot: %w", err)
	}
	st.VIX = snap.VIX
	st.Returns = snap.Returns()

	prompt, err := ai.BuildPrompt(ai.PromptInput{
		Now:          c.now,
		Mode:         c.mode,
		Portfolio:    c.portfolio,
		BreakerLevel: c.breaker.Level,
		Positions:    c.positions,
		Market:       snap,
		Constraints:  o.constraints(st, snap, allowed, why),
	})
	if err != nil {
		return err
	}

	batch, err := o.analyzer.Analyze(ctx, prompt)
	if err != nil && !errors.Is(err, decision.ErrExhausted) {
		return fmt.Errorf("analysis: %w", err)
	}
	c.batch = batch
	c.llmModel = o.analyzer.Model()
	o.metrics.Decisions(len(batch.Decisions), batch.Sanitized)

	for _, d := range batch.Decisions {
		if d.Action != decision.ActionSell {
			continue
		}
		if err := o.signalSell(ctx, c, d, snap); err != nil {
			return err
		}
	}

	if !allowed {
		return nil
	}
	var buys []decision.TradingDecision
	for _, d := range batch.Decisions {
		if d.Action == decision.ActionBuy {
			buys = append(buys, d)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool {
		return buys[i].Sentiment.Confidence > buys[j].Sentiment.Confidence
	})
	for _, d := range buys {
		if err := o.enter(ctx, c, st, d, snap); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) constraints(st *risk.State, snap *market.Snapshot, allowed bool, why string) ai.Constraints {
	cons := ai.Constraints{
		MinConfidence:  o.cfg.Strategy.SentimentConfidenceThreshold,
		MaxHoldingDays: o.cfg.Strategy.TimeStopDays,
		AllowedSymbols: []string{},
	}
	if !allowed {
		cons.EntriesBlockedReason = why
		return cons
	}
	policy := risk.PolicyFor(o.gate.EffectiveLevel(st), o.cfg)
	cons.MaxNewEntries = policy.MaxEntriesPerDay - st.EntriesToday
	if slots := o.gate.Slots(st); slots < cons.MaxNewEntries {
		cons.MaxNewEntries = slots
	}

	held := map[string]bool{}
	for _, s := range st.Held {
		held[s] = true
	}
	sectors := map[string]bool{}
	for _, sym := range risk.Universe() {
		sector := risk.SectorOf(sym)
		if !sectors[sector] && risk.SectorCount(sector, st.Held) >= risk.SectorLimit(sector) {
			cons.SectorsAtLimit = append(cons.SectorsAtLimit, sector)
		}
		sectors[sector] = true
		if d := snap.Symbols[sym]; d != nil && d.PassesFilters() && !held[sym] {
			cons.AllowedSymbols = append(cons.AllowedSymbols, sym)
		}
	}
	sort.Strings(cons.SectorsAtLimit)
	return cons
}

// signalSell closes a held position the model wants out of. Positions younger
// than the minimum holding period are kept unless price is at the stop.
func (o *Orchestrator) signalSell(ctx context.Context, c *cycle, d decision.TradingDecision, snap *market.Snapshot) error {
	var pos *models.Position
	for i := range c.positions {
		if c.positions[i].Symbol == d.Symbol {
			pos = &c.positions[i]
			break
		}
	}
	if pos == nil {
		log.Printf("ℹ️ [VALIDATOR] sell %s ignored: not held", d.Symbol)
		return nil
	}
	if pos.Provenance == models.ProvenanceManual {
		log.Printf("ℹ️ [VALIDATOR] sell %s ignored: manual position", d.Symbol)
		return nil
	}

	if days := pos.HoldingDays(c.day); days < o.cfg.Strategy.MinHoldingDays {
		atStop := false
		if data := snap.Symbols[d.Symbol]; data != nil && pos.StopLoss.Valid {
			atStop = decimal.NewFromFloat(data.Close).LessThanOrEqual(pos.StopLoss.Decimal)
		}
		if !atStop {
			log.Printf("ℹ️ [RISK] sell %s skipped: held %d day(s), minimum %d", d.Symbol, days, o.cfg.Strategy.MinHoldingDays)
			return nil
		}
	}
	_, err := o.sell(ctx, c, *pos, models.CloseSignal)
	return err
}

// plannedEntry holds the prices derived for a buy decision.
type plannedEntry struct {
	Entry      decimal.Decimal
	Stop       decimal.Decimal
	TakeProfit decimal.Decimal
}

// plan derives entry, stop and target. The entry is the model's price when
// within entryBand of the close, else the close. The stop is ATR based.
func (o *Orchestrator) plan(d decision.TradingDecision, snap *market.Snapshot) (*plannedEntry, string) {
	data := snap.Symbols[d.Symbol]
	if data == nil {
		return nil, "no market data"
	}
	if !data.PassesFilters() {
		return nil, "technical filters failed: " + strings.Join(data.FailedFilters, ",")
	}
	if d.Sentiment.Overall != decision.SentimentPositive {
		return nil, fmt.Sprintf("sentiment %q is not positive", d.Sentiment.Overall)
	}
	if data.Close <= 0 || data.ATR14 <= 0 {
		return nil, "no usable close or ATR"
	}

	entry := data.Close
	if p := d.Parameters; p != nil && p.EntryPrice > 0 && math.Abs(p.EntryPrice-data.Close)/data.Close <= entryBand {
		entry = p.EntryPrice
	}
	stop := entry - data.ATR14*o.cfg.Strategy.StopLossATRMultiplier
	if stop <= 0 {
		return nil, fmt.Sprintf("ATR stop %.2f is not positive", stop)
	}
	tp := entry * (1 + o.cfg.Strategy.TakeProfitPct/100)
	if p := d.Parameters; p != nil && p.TakeProfit > entry {
		tp = p.TakeProfit
	}
	return &plannedEntry{
		Entry:      decimal.NewFromFloat(entry).Round(2),
		Stop:       decimal.NewFromFloat(stop).Round(2),
		TakeProfit: decimal.NewFromFloat(tp).Round(2),
	}, ""
}

func (o *Orchestrator) enter(ctx context.Context, c *cycle, st *risk.State, d decision.TradingDecision, snap *market.Snapshot) error {
	p, why := o.plan(d, snap)
	if p == nil {
		log.Printf("⛔ [RISK] %s skipped: %s", d.Symbol, why)
		return nil
	}
	v := o.gate.Approve(st, risk.Candidate{
		Symbol:     d.Symbol,
		Confidence: d.Sentiment.Confidence,
		Entry:      p.Entry,
		Stop:       p.Stop,
	})
	if !v.Approved {
		return nil
	}

	conf := d.Sentiment.Confidence
	out, err := o.executor.Buy(ctx, c.tx, execution.BuyIntent{
		ExecutionID: c.id,
		Symbol:      d.Symbol,
		Qty:         v.Sizing.Qty,
		Entry:       p.Entry,
		Stop:        p.Stop,
		TakeProfit:  p.TakeProfit,
		Sector:      v.Sector,
		Reason:      entryReason(d, v),
		Confidence:  &conf,
	}, c.now)
	_, err = o.settled("buy", out, err)
	return err
}

func entryReason(d decision.TradingDecision, v risk.Verdict) string {
	parts := []string{fmt.Sprintf("confidence %d", d.Sentiment.Confidence), "cap " + v.Sizing.BindingCap}
	if d.Reasoning.Catalyst != "" {
		parts = append(parts, "catalyst: "+d.Reasoning.Catalyst)
	}
	if d.Reasoning.BullCase != "" {
		parts = append(parts, "bull: "+d.Reasoning.BullCase)
	}
	return truncateRunes(strings.Join(parts, "; "), maxReasonRunes)
}

const maxReasonRunes = 500

// truncateRunes cuts s to at most n characters without splitting one.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func mergeSymbols(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func marshalDecisions(b *decision.Batch) (string, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode decisions: %w", err)
	}
	return string(out), nil
}
