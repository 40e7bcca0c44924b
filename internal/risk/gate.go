package risk

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
)

// ErrStaleInput means the gate lacks fresh inputs and blocks all entries.
var ErrStaleInput = errors.New("risk inputs missing or stale")

// State is everything the gate looks at for one cycle. Approve updates it
// so later candidates in the same cycle see earlier approvals.
type State struct {
	Now              time.Time
	Portfolio        *models.PortfolioSnapshot
	LastSnapshotDate string // newest daily snapshot, YYYY-MM-DD; empty when none
	Level            int
	EntriesToday     int
	Held             []string // open symbols
	VIX              *float64
	Returns          map[string][]float64
}

// Candidate is a proposed long entry with its derived prices.
type Candidate struct {
	Symbol     string
	Confidence int
	Entry      decimal.Decimal
	Stop       decimal.Decimal
}

// Verdict is the gate's answer for one candidate.
type Verdict struct {
	Approved bool
	Reason   string
	Sector   string
	Sizing   Sizing
}

// Gate decides whether new exposure may be taken and how large.
type Gate struct {
	cfg *config.Config
}

func NewGate(cfg *config.Config) *Gate {
	return &Gate{cfg: cfg}
}

// CheckInputs fails closed on a missing account view or equity history.
func (g *Gate) CheckInputs(st *State) error {
	if st == nil || st.Portfolio == nil {
		return fmt.Errorf("%w: no portfolio snapshot", ErrStaleInput)
	}
	if !st.Portfolio.Equity.IsPositive() {
		return fmt.Errorf("%w: equity %s", ErrStaleInput, st.Portfolio.Equity)
	}
	if st.LastSnapshotDate == "" {
		return fmt.Errorf("%w: no equity history", ErrStaleInput)
	}
	last, err := time.ParseInLocation("2006-01-02", st.LastSnapshotDate, config.MarketLoc)
	if err != nil {
		return fmt.Errorf("%w: bad snapshot date %q", ErrStaleInput, st.LastSnapshotDate)
	}
	today := st.Now.In(config.MarketLoc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, config.MarketLoc)
	if age := int(today.Sub(last).Hours() / 24); age > g.cfg.Risk.MaxSnapshotAgeDays {
		return fmt.Errorf("%w: newest equity snapshot is %d days old", ErrStaleInput, age)
	}
	return nil
}

// EffectiveLevel is the stricter of the recorded breaker level and the level
// implied by the current drawdown.
func (g *Gate) EffectiveLevel(st *State) int {
	lvl := st.Level
	if st.Portfolio != nil {
		if implied := LevelFor(st.Portfolio.DrawdownPct, g.cfg.Risk.CircuitBreakerPct); implied > lvl {
			lvl = implied
		}
	}
	return lvl
}

// Slots returns how many more positions may be opened under the count and
// volatility caps.
func (g *Gate) Slots(st *State) int {
	maxPos := g.cfg.Strategy.MaxConcurrentPositions
	if v := MaxPositionsForVIX(ClassifyVIX(st.VIX, g.cfg.Macro)); v < maxPos {
		maxPos = v
	}
	left := maxPos - len(st.Held)
	if left < 0 {
		return 0
	}
	return left
}

// EntriesAllowed reports whether any entry may happen this cycle.
func (g *Gate) EntriesAllowed(st *State) (bool, string) {
	if err := g.CheckInputs(st); err != nil {
		return false, err.Error()
	}
	policy := PolicyFor(g.EffectiveLevel(st), g.cfg)
	if !policy.AllowEntries {
		return false, fmt.Sprintf("circuit breaker L%d halts entries", policy.Level)
	}
	if st.EntriesToday >= policy.MaxEntriesPerDay {
		return false, fmt.Sprintf("daily entry limit reached (%d/%d)", st.EntriesToday, policy.MaxEntriesPerDay)
	}
	if g.Slots(st) == 0 {
		return false, fmt.Sprintf("position cap reached (%d held, VIX regime %s)", len(st.Held), ClassifyVIX(st.VIX, g.cfg.Macro))
	}
	return true, ""
}

// Approve runs every entry check for c and sizes it. Rejections are policy
// outcomes: they skip the trade, never the cycle.
func (g *Gate) Approve(st *State, c Candidate) Verdict {
	v := Verdict{Sector: SectorOf(c.Symbol)}
	reject := func(format string, args ...interface{}) Verdict {
		v.Reason = fmt.Sprintf(format, args...)
		log.Printf("⛔ [RISK] %s rejected: %s", c.Symbol, v.Reason)
		return v
	}

	if ok, why := g.EntriesAllowed(st); !ok {
		return reject("%s", why)
	}
	if !InUniverse(c.Symbol) {
		return reject("not in the trading universe")
	}
	if c.Confidence < g.cfg.Strategy.SentimentConfidenceThreshold {
		return reject("confidence %d below %d", c.Confidence, g.cfg.Strategy.SentimentConfidenceThreshold)
	}
	for _, h := range st.Held {
		if h == c.Symbol {
			return reject("position already open")
		}
	}
	if n, limit := SectorCount(v.Sector, st.Held), SectorLimit(v.Sector); n >= limit {
		return reject("sector %s at limit (%d/%d)", v.Sector, n, limit)
	}
	if maxCorr := g.cfg.Risk.MaxCorrelation; maxCorr > 0 {
		if sym, corr := MostCorrelated(c.Symbol, st.Held, st.Returns); corr > maxCorr {
			return reject("correlation %.2f with %s above %.2f", corr, sym, maxCorr)
		}
	}

	policy := PolicyFor(g.EffectiveLevel(st), g.cfg)
	v.Sizing = Size(SizingInput{
		Capital:        st.Portfolio.Equity,
		Entry:          c.Entry,
		Stop:           c.Stop,
		RiskPct:        g.cfg.Risk.MaxRiskPerTradePct,
		SlippageFactor: g.cfg.Risk.SlippageFactor,
		MaxPositionPct: g.cfg.Risk.MaxPositionPct,
		SizeMultiplier: policy.SizeMultiplier,
		RemainingSlots: g.Slots(st),
	})
	if v.Sizing.Qty <= 0 {
		return reject("size is zero (binding cap %s)", v.Sizing.BindingCap)
	}

	v.Approved = true
	st.EntriesToday++
	st.Held = append(st.Held, c.Symbol)
	log.Printf("✅ [RISK] %s approved: qty=%d binding_cap=%s (risk qty %d, value cap %d)",
		c.Symbol, v.Sizing.Qty, v.Sizing.BindingCap, v.Sizing.RiskQty, v.Sizing.ValueCapQty)
	return v
}
