// Package reconcile brings the local position ledger in line with broker truth.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/risk"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnstable means the two broker reads disagreed on the symbol set.
	ErrUnstable = errors.New("broker positions changed between reads")
	// ErrThresholdExceeded means the drift is too large to correct automatically.
	ErrThresholdExceeded = errors.New("reconciliation drift needs manual review")
)

// qtyTolerance absorbs float noise in fractional quantities.
var qtyTolerance = decimal.NewFromFloat(0.001)

// Alerter sends operator alerts.
type Alerter interface {
	Alert(ctx context.Context, sev models.Severity, msg string)
}

// Options tunes the reconciler.
type Options struct {
	Delay     time.Duration // pause between the two broker reads
	Threshold int           // issue count at which nothing is applied
}

// Result describes one pass.
type Result struct {
	Issues  []models.ReconciliationIssue
	Applied bool
	// Broker is the confirmed broker position list.
	Broker []models.BrokerPosition
}

// Reconciler diffs broker positions against the local ledger.
type Reconciler struct {
	broker market.Broker
	alerts Alerter
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(broker market.Broker, alerts Alerter, opts Options) *Reconciler {
	if opts.Threshold < 1 {
		opts.Threshold = 3
	}
	return &Reconciler{broker: broker, alerts: alerts, opts: opts, sleep: sleepCtx}
}

// OptionsFrom reads the reconciler settings from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Delay:     time.Duration(cfg.System.ReconcileDelayMs) * time.Millisecond,
		Threshold: cfg.System.ReconcileThreshold,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run reads broker positions twice, diffs them against the open local
// positions and applies the corrections in one savepoint on store.
//
// With ErrUnstable nothing is read further or written. With
// ErrThresholdExceeded no correction is applied: the issues are logged with
// auto_fixed=false for manual review and Result.Broker still carries the
// confirmed broker positions, so the caller can keep protecting them.
func (r *Reconciler) Run(ctx context.Context, store *storage.Store, executionID string, now time.Time) (*Result, error) {
	broker, err := r.stableRead(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Broker: broker}

	local, err := store.OpenPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("load local positions: %w", err)
	}
	res.Issues = Diff(local, broker)
	if len(res.Issues) == 0 {
		log.Printf("✅ [RECONCILE] Local ledger matches broker (%d positions)", len(broker))
		return res, nil
	}

	summary := summarize(res.Issues)
	if len(res.Issues) >= r.opts.Threshold {
		log.Printf("🚨 [RECONCILE] %d issues (threshold %d), nothing applied: %s", len(res.Issues), r.opts.Threshold, summary)
		if err := store.LogReconciliation(ctx, executionID, res.Issues, false); err != nil {
			return res, fmt.Errorf("log unapplied issues: %w", err)
		}
		r.alert(ctx, models.SeverityCritical, fmt.Sprintf(
			"🚨 Reconciliation found %d differences (threshold %d). No changes applied, manual review required.\n%s",
			len(res.Issues), r.opts.Threshold, summary))
		return res, ErrThresholdExceeded
	}

	err = store.Transaction(ctx, func(tx *storage.Store) error {
		if err := Apply(ctx, tx, local, broker, res.Issues, now); err != nil {
			return err
		}
		return tx.LogReconciliation(ctx, executionID, res.Issues, true)
	})
	if err != nil {
		return res, fmt.Errorf("apply reconciliation: %w", err)
	}
	res.Applied = true

	log.Printf("⚠️ [RECONCILE] Corrected %d issues: %s", len(res.Issues), summary)
	r.alert(ctx, models.SeverityWarn, fmt.Sprintf("⚠️ Reconciliation corrected %d differences.\n%s", len(res.Issues), summary))
	return res, nil
}

func (r *Reconciler) alert(ctx context.Context, sev models.Severity, msg string) {
	if r.alerts != nil {
		r.alerts.Alert(ctx, sev, msg)
	}
}

// stableRead returns the second of two position reads taken Delay apart,
// provided both carry the same symbols.
func (r *Reconciler) stableRead(ctx context.Context) ([]models.BrokerPosition, error) {
	first, err := r.broker.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if err := r.sleep(ctx, r.opts.Delay); err != nil {
		return nil, err
	}
	second, err := r.broker.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions (second read): %w", err)
	}

	a, b := symbols(first), symbols(second)
	if strings.Join(a, ",") != strings.Join(b, ",") {
		log.Printf("⚠️ [RECONCILE] Broker positions moved between reads: %v vs %v. Skipping this cycle.", a, b)
		return nil, fmt.Errorf("%w: %v vs %v", ErrUnstable, a, b)
	}
	return second, nil
}

func symbols(ps []models.BrokerPosition) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Symbol)
	}
	sort.Strings(out)
	return out
}

// Diff compares open local positions with broker positions. Issues come out
// sorted by symbol.
func Diff(local []models.Position, broker []models.BrokerPosition) []models.ReconciliationIssue {
	byLocal := make(map[string]models.Position, len(local))
	for _, p := range local {
		byLocal[p.Symbol] = p
	}
	byBroker := make(map[string]models.BrokerPosition, len(broker))
	for _, p := range broker {
		byBroker[p.Symbol] = p
	}

	var issues []models.ReconciliationIssue
	for sym, lp := range byLocal {
		bp, ok := byBroker[sym]
		if !ok {
			issues = append(issues, models.ReconciliationIssue{
				Symbol:   sym,
				Kind:     models.IssueClosedMissing,
				LocalQty: lp.Qty,
				Details:  fmt.Sprintf("local open %s x%s not held at broker", sym, lp.Qty),
			})
			continue
		}
		bq := bp.Qty.Abs()
		if lp.Qty.Sub(bq).Abs().GreaterThan(qtyTolerance) {
			issues = append(issues, models.ReconciliationIssue{
				Symbol:    sym,
				Kind:      models.IssueQtyMismatch,
				LocalQty:  lp.Qty,
				BrokerQty: bq,
				Details:   fmt.Sprintf("%s qty local %s broker %s", sym, lp.Qty, bq),
			})
		}
	}
	for sym, bp := range byBroker {
		if _, ok := byLocal[sym]; ok {
			continue
		}
		issues = append(issues, models.ReconciliationIssue{
			Symbol:    sym,
			Kind:      models.IssueAddedMissing,
			BrokerQty: bp.Qty.Abs(),
			Details:   fmt.Sprintf("broker holds %s x%s @ %s, not in local ledger", sym, bp.Qty.Abs(), bp.AvgEntryPrice.StringFixed(2)),
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Symbol != issues[j].Symbol {
			return issues[i].Symbol < issues[j].Symbol
		}
		return issues[i].Kind < issues[j].Kind
	})
	return issues
}

// Apply makes the local ledger match broker for every issue. Broker is
// always right.
func Apply(ctx context.Context, store *storage.Store, local []models.Position, broker []models.BrokerPosition, issues []models.ReconciliationIssue, now time.Time) error {
	byLocal := make(map[string]models.Position, len(local))
	for _, p := range local {
		byLocal[p.Symbol] = p
	}
	byBroker := make(map[string]models.BrokerPosition, len(broker))
	for _, p := range broker {
		byBroker[p.Symbol] = p
	}
	day := now.In(config.MarketLoc)

	for _, is := range issues {
		switch is.Kind {
		case models.IssueClosedMissing:
			lp := byLocal[is.Symbol]
			if err := store.ClosePosition(ctx, lp.ID, decimal.Zero, day, models.CloseReconciliation); err != nil {
				return fmt.Errorf("close %s: %w", is.Symbol, err)
			}
			log.Printf("🔧 [RECONCILE] Closed local %s (not held at broker)", is.Symbol)

		case models.IssueAddedMissing:
			bp := byBroker[is.Symbol]
			side := bp.Side
			if side == "" {
				side = "long"
			}
			p := &models.Position{
				Symbol:         bp.Symbol,
				Side:           side,
				Qty:            bp.Qty.Abs(),
				EntryPrice:     bp.AvgEntryPrice,
				EntryDate:      day.Format("2006-01-02"),
				Sector:         risk.SectorOf(bp.Symbol),
				StrategyReason: "imported by reconciliation",
				Provenance:     models.ProvenanceReconciliation,
			}
			if err := store.InsertPosition(ctx, p); err != nil {
				return fmt.Errorf("insert %s: %w", is.Symbol, err)
			}
			log.Printf("🔧 [RECONCILE] Imported broker position %s x%s", p.Symbol, p.Qty)

		case models.IssueQtyMismatch:
			lp := byLocal[is.Symbol]
			if err := store.UpdatePositionQty(ctx, lp.ID, is.BrokerQty); err != nil {
				return fmt.Errorf("update %s: %w", is.Symbol, err)
			}
			log.Printf("🔧 [RECONCILE] %s qty %s -> %s", is.Symbol, is.LocalQty, is.BrokerQty)

		default:
			return fmt.Errorf("unknown issue kind %q", is.Kind)
		}
	}
	return nil
}

func summarize(issues []models.ReconciliationIssue) string {
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		lines = append(lines, fmt.Sprintf("- %s %s: %s", is.Kind, is.Symbol, is.Details))
	}
	return strings.Join(lines, "\n")
}
