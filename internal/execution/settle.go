package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/risk"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/shopspring/decimal"
)

// entryMeta is what the position row needs beyond the order itself.
type entryMeta struct {
	ExecutionID string
	Stop        decimal.Decimal
	TakeProfit  decimal.Decimal
	Sector      string
	Reason      string
	Confidence  *int
}

// bracketLegs picks the stop and take-profit legs of a bracket.
func bracketLegs(o *models.Order) (stop, tp *models.Order) {
	for i := range o.Legs {
		l := &o.Legs[i]
		switch l.Type {
		case "stop", "stop_limit":
			stop = l
		case "limit":
			tp = l
		}
	}
	return stop, tp
}

// settleBuy moves a buy intent to its final state and opens the position.
// An order still working is left as submitted for SyncTrades.
func (e *Executor) settleBuy(ctx context.Context, store *storage.Store, trade *models.Trade, order *models.Order, meta entryMeta, now time.Time) (*models.Position, error) {
	stopLeg, tpLeg := bracketLegs(order)
	if meta.Stop.IsZero() && stopLeg != nil {
		meta.Stop = stopLeg.StopPrice
	}
	if meta.TakeProfit.IsZero() && tpLeg != nil {
		meta.TakeProfit = tpLeg.LimitPrice
	}
	filled := order.FilledQty

	switch {
	case order.Status == "filled" || (filled.IsPositive() && !order.IsOpen()):
		trade.FilledQty = filled
		if order.FilledAvgPrice.IsPositive() {
			trade.Price = order.FilledAvgPrice
		}
		trade.ExecutedAt = order.FilledAt
		if order.Status == "filled" {
			trade.State = models.OrderFilled
		} else {
			trade.State = models.OrderPartiallyFilled
			log.Printf("⚠️ [ORDER] %s partially filled %s/%s, remainder canceled", trade.Symbol, filled, trade.Qty)
		}

		stopID := e.protect(ctx, order, filled, trade.Price, meta)
		pos, err := e.openPosition(ctx, store, trade, meta, stopID, now)
		if err != nil {
			return nil, err
		}
		trade.PositionID = &pos.ID
		if err := store.SaveTrade(ctx, trade); err != nil {
			return pos, err
		}
		log.Printf("✅ [ORDER] %s bought %s @ %s (%s)", trade.Symbol, filled, trade.Price.StringFixed(2), trade.State)
		return pos, nil

	case order.IsOpen():
		log.Printf("⏳ [ORDER] %s still %s, will settle on a later cycle", trade.ClientOrderID, order.Status)
		return nil, nil

	case order.Status == "rejected":
		trade.State = models.OrderRejected
		trade.ErrorMessage = "rejected by broker"
		e.alert(ctx, models.SeverityError, fmt.Sprintf("❌ Buy %s x%s rejected by broker (%s)", trade.Symbol, trade.Qty, trade.ClientOrderID))

	default:
		trade.State = models.OrderCanceled
		log.Printf("ℹ️ [ORDER] %s %s without fill", trade.ClientOrderID, order.Status)
	}
	return nil, store.SaveTrade(ctx, trade)
}

func (e *Executor) openPosition(ctx context.Context, store *storage.Store, trade *models.Trade, meta entryMeta, stopID string, now time.Time) (*models.Position, error) {
	existing, err := store.OpenPosition(ctx, trade.Symbol)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("ℹ️ [ORDER] %s already open locally (id %d, %s), linking fill", trade.Symbol, existing.ID, existing.Provenance)
		return existing, nil
	}

	sector := meta.Sector
	if sector == "" {
		sector = risk.SectorOf(trade.Symbol)
	}
	state := models.ProtectionActive
	if stopID == "" {
		state = models.ProtectionStuck
	}
	pos := &models.Position{
		Symbol:          trade.Symbol,
		Side:            "long",
		Qty:             trade.FilledQty,
		EntryPrice:      trade.Price,
		EntryDate:       now.In(config.MarketLoc).Format("2006-01-02"),
		Sector:          sector,
		StrategyReason:  meta.Reason,
		SentimentScore:  meta.Confidence,
		Provenance:      models.ProvenanceAgent,
		ClientOrderID:   trade.ClientOrderID,
		StopOrderID:     stopID,
		ProtectionState: state,
	}
	if meta.Stop.IsPositive() {
		pos.StopLoss = decimal.NewNullDecimal(meta.Stop)
	}
	if meta.TakeProfit.IsPositive() {
		pos.TakeProfit = decimal.NewNullDecimal(meta.TakeProfit)
	}
	if err := store.InsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("insert position %s: %w", trade.Symbol, err)
	}
	return pos, nil
}

// protect makes sure qty shares are covered by a stop and returns the stop
// order id, or "" when none could be placed. Open bracket legs are resized
// to qty; without an open stop leg a standalone stop-limit is submitted.
func (e *Executor) protect(ctx context.Context, order *models.Order, qty, entry decimal.Decimal, meta entryMeta) string {
	stopID := ""
	for _, leg := range order.Legs {
		if !leg.IsOpen() {
			continue
		}
		id := leg.ID
		if !leg.Qty.Equal(qty) {
			replaced, err := e.broker.ReplaceOrderQty(ctx, leg.ID, qty)
			if err != nil {
				log.Printf("⚠️ [ORDER] resize leg %s to %s: %v", leg.ID, qty, err)
				continue
			}
			id = replaced.ID
			log.Printf("🔧 [ORDER] %s leg %s resized to %s", order.Symbol, leg.ID, qty)
		}
		if leg.Type == "stop" || leg.Type == "stop_limit" {
			stopID = id
		}
	}
	if stopID != "" {
		return stopID
	}

	if !meta.Stop.IsPositive() {
		e.alert(ctx, models.SeverityError, fmt.Sprintf("🚨 %s filled without a known stop price, position unprotected", order.Symbol))
		return ""
	}
	req := models.OrderRequest{
		Symbol:        order.Symbol,
		Qty:           qty,
		Side:          "sell",
		Type:          "stop_limit",
		StopPrice:     meta.Stop,
		LimitPrice:    StopLimitPrice(entry, meta.Stop),
		ClientOrderID: ClientOrderID(meta.ExecutionID, order.Symbol, "stop"),
	}
	stop, err := e.submit(ctx, req)
	if err != nil {
		e.alert(ctx, models.SeverityError, fmt.Sprintf("🚨 Could not place stop for %s x%s: %v", order.Symbol, qty, err))
		return ""
	}
	log.Printf("🛡️ [ORDER] %s standalone stop %s/%s placed (order %s)", order.Symbol,
		req.StopPrice.StringFixed(2), req.LimitPrice.StringFixed(2), stop.ID)
	return stop.ID
}

// settleSell closes or reduces the position behind a sell intent.
func (e *Executor) settleSell(ctx context.Context, store *storage.Store, trade *models.Trade, order *models.Order, now time.Time) error {
	filled := order.FilledQty

	switch {
	case order.Status == "filled" || (filled.IsPositive() && !order.IsOpen()):
		trade.FilledQty = filled
		trade.Price = order.FilledAvgPrice
		trade.ExecutedAt = order.FilledAt
		if order.Status == "filled" {
			trade.State = models.OrderFilled
		} else {
			trade.State = models.OrderPartiallyFilled
		}
		if trade.PositionID != nil {
			if err := e.applySell(ctx, store, trade, now); err != nil {
				return err
			}
		}
		log.Printf("✅ [ORDER] %s sold %s @ %s reason=%s", trade.Symbol, filled, trade.Price.StringFixed(2), trade.Reason)

	case order.IsOpen():
		log.Printf("⏳ [ORDER] %s still %s, will settle on a later cycle", trade.ClientOrderID, order.Status)
		return nil

	case order.Status == "rejected":
		trade.State = models.OrderRejected
		trade.ErrorMessage = "rejected by broker"
		e.alert(ctx, models.SeverityError, fmt.Sprintf("❌ Sell %s x%s rejected by broker (%s)", trade.Symbol, trade.Qty, trade.ClientOrderID))

	default:
		trade.State = models.OrderCanceled
	}
	return store.SaveTrade(ctx, trade)
}

func (e *Executor) applySell(ctx context.Context, store *storage.Store, trade *models.Trade, now time.Time) error {
	id := *trade.PositionID
	if trade.State == models.OrderFilled {
		err := store.ClosePosition(ctx, id, trade.Price, now.In(config.MarketLoc), trade.Reason)
		if errors.Is(err, storage.ErrPositionClosed) {
			log.Printf("ℹ️ [ORDER] position %d (%s) already closed locally", id, trade.Symbol)
			return nil
		}
		return err
	}
	rest := trade.Qty.Sub(trade.FilledQty)
	if rest.IsNegative() {
		rest = decimal.Zero
	}
	log.Printf("⚠️ [ORDER] %s sell partially filled, %s remain open", trade.Symbol, rest)
	return store.UpdatePositionQty(ctx, id, rest)
}

// SyncTrades re-reads every intent left as submitted and settles those the
// broker has finished. It returns how many were settled.
func (e *Executor) SyncTrades(ctx context.Context, store *storage.Store, now time.Time) (int, error) {
	trades, err := store.UnsettledTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unsettled trades: %w", err)
	}

	settled := 0
	for i := range trades {
		t := &trades[i]
		order, err := e.fetch(ctx, t)
		if errors.Is(err, market.ErrOrderNotFound) {
			t.State = models.OrderCanceled
			t.ErrorMessage = "order not found at broker"
			if err := store.SaveTrade(ctx, t); err != nil {
				return settled, err
			}
			settled++
			continue
		}
		if err != nil {
			log.Printf("⚠️ [ORDER] sync %s: %v", t.ClientOrderID, err)
			continue
		}
		if order.IsOpen() {
			continue
		}

		if t.Side == "buy" {
			_, err = e.settleBuy(ctx, store, t, order, entryMeta{ExecutionID: t.ExecutionID, Reason: t.Reason}, now)
		} else {
			err = e.settleSell(ctx, store, t, order, now)
		}
		if err != nil {
			return settled, fmt.Errorf("settle %s: %w", t.ClientOrderID, err)
		}
		settled++
	}
	if settled > 0 {
		log.Printf("🔄 [ORDER] Settled %d deferred orders", settled)
	}
	return settled, nil
}

func (e *Executor) fetch(ctx context.Context, t *models.Trade) (*models.Order, error) {
	if t.BrokerOrderID != "" {
		return e.broker.GetOrder(ctx, t.BrokerOrderID)
	}
	return e.broker.GetOrderByClientID(ctx, t.ClientOrderID)
}
