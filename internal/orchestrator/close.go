package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
)

// dailySnapshot archives the close-of-day portfolio. It is the equity
// history the drawdown and the risk gate's freshness check read.
func (o *Orchestrator) dailySnapshot(ctx context.Context, c *cycle) error {
	p := c.portfolio
	snap := &models.DailySnapshot{
		Date:           c.day.Format("2006-01-02"),
		TotalEquity:    p.Equity,
		Cash:           p.Cash,
		PositionsValue: p.PositionsValue,
		DailyPnL:       p.Equity.Sub(p.LastEquity),
		DailyPnLPct:    p.DailyPnLPct,
		DrawdownPct:    p.DrawdownPct,
		HighWaterMark:  p.HighWaterMark,
		OpenPositions:  len(p.Positions),
	}
	if err := c.tx.UpsertDailySnapshot(ctx, snap); err != nil {
		return fmt.Errorf("daily snapshot: %w", err)
	}
	log.Printf("📸 Daily snapshot %s saved: equity $%s, drawdown %.2f%%", snap.Date, snap.TotalEquity.StringFixed(2), snap.DrawdownPct)
	return nil
}

// afterClose runs once the close-cycle committed. Neither step can fail the cycle.
func (o *Orchestrator) afterClose(ctx context.Context, c *cycle) {
	path, err := o.store.Backup(ctx, o.cfg.System.BackupDir, o.cfg.System.BackupGenerations, c.day)
	if err != nil {
		log.Printf("⚠️ Backup failed: %v", err)
		o.alert(ctx, models.SeverityWarn, fmt.Sprintf("⚠️ Database backup failed: %v", err))
	} else {
		log.Printf("💾 Backup written to %s", path)
	}

	if o.reports == nil {
		return
	}
	report := o.closeReport(ctx, c)
	if err := o.reports.Send(ctx, report); err != nil {
		log.Printf("⚠️ Close report not delivered: %v", err)
	}
}

func (o *Orchestrator) closeReport(ctx context.Context, c *cycle) string {
	p := c.portfolio
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 *MARKET CLOSE REPORT - %s*\n\n", c.day.Format("2006-01-02")))

	icon := "🟢"
	if p.DailyPnLPct < 0 {
		icon = "🔴"
	}
	sb.WriteString("*Account Summary*\n")
	sb.WriteString(fmt.Sprintf("End Equity: $%s\n", p.Equity.StringFixed(2)))
	sb.WriteString(fmt.Sprintf("Daily Change: %s%.2f%%\n", icon, p.DailyPnLPct))
	sb.WriteString(fmt.Sprintf("Drawdown: %.2f%% (HWM $%s)\n", p.DrawdownPct, p.HighWaterMark.StringFixed(2)))
	if c.breaker != nil && c.breaker.Level > 0 {
		sb.WriteString(fmt.Sprintf("Circuit Breaker: L%d\n", c.breaker.Level))
	}
	sb.WriteString("\n")

	hundred := decimal.NewFromInt(100)
	if len(p.Positions) > 0 {
		positions := append([]models.BrokerPosition(nil), p.Positions...)
		sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
		sb.WriteString("`Ticker | Qty    | Tot %`\n")
		sb.WriteString("`----------------------`\n")
		for _, bp := range positions {
			totPct := decimal.Zero
			if !bp.AvgEntryPrice.IsZero() {
				totPct = bp.CurrentPrice.Sub(bp.AvgEntryPrice).Div(bp.AvgEntryPrice).Mul(hundred)
			}
			sb.WriteString(fmt.Sprintf("`%-6s | %6s | %5s%%`\n", bp.Symbol, bp.Qty.String(), totPct.StringFixed(2)))
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("ℹ️ No active positions carried overnight.\n\n")
	}

	closed, err := o.broker.ListOrders(ctx, "closed")
	if err != nil {
		log.Printf("EOD Error: Failed to list closed orders: %v", err)
	}
	var realized []string
	y, m, d := c.day.Date()
	for _, ord := range closed {
		if ord.FilledAt == nil {
			continue
		}
		fy, fm, fd := ord.FilledAt.In(config.MarketLoc).Date()
		if fy == y && fm == m && fd == d {
			realized = append(realized, fmt.Sprintf("%s %s %s @ $%s", ord.Side, ord.Symbol, ord.FilledQty.String(), ord.FilledAvgPrice.StringFixed(2)))
		}
	}
	if len(realized) == 0 {
		sb.WriteString("ℹ️ No orders filled today.")
		return sb.String()
	}
	sb.WriteString("*Activity Today*\n")
	if len(realized) > 10 {
		for _, line := range realized[:5] {
			sb.WriteString(fmt.Sprintf("• %s\n", line))
		}
		sb.WriteString(fmt.Sprintf("...and %d more.\n", len(realized)-5))
	} else {
		for _, line := range realized {
			sb.WriteString(fmt.Sprintf("• %s\n", line))
		}
	}
	return sb.String()
}
