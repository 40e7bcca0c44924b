package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/shopspring/decimal"
)

// alertedError wraps a failure the operator has already been told about.
type alertedError struct{ error }

func (e alertedError) Unwrap() error { return e.error }

// Repair records what RepairStops did for one position.
type Repair struct {
	Symbol      string
	Disposition string // models.Protection*
	OrderID     string
	Price       decimal.Decimal
}

// RepairStops checks the protective stop of every agent-opened position.
//
//   - no open stop: a new stop-limit is placed, or the position is sold when
//     price is already under the limit
//   - price under the stop's limit: the stop is canceled and the position sold at market
//   - price between limit and trigger: the stop is replaced by a fresh stop-limit
//   - price above the trigger: the stop is left alone
//
// Symbols in skip are not touched.
func (e *Executor) RepairStops(ctx context.Context, store *storage.Store, executionID string, prices map[string]decimal.Decimal, skip map[string]bool, now time.Time) ([]Repair, error) {
	positions, err := store.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	orders, err := e.broker.ListOrders(ctx, "open")
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}

	var repairs []Repair
	for _, p := range positions {
		if p.Provenance != models.ProvenanceAgent || !p.StopLoss.Valid || skip[p.Symbol] {
			continue
		}
		r, err := e.repairOne(ctx, store, executionID, p, findStop(orders, p), prices, now)
		if err != nil {
			log.Printf("❌ [ORDER] stop repair for %s failed: %v", p.Symbol, err)
			var sent alertedError
			if !errors.As(err, &sent) {
				e.alert(ctx, models.SeverityError, fmt.Sprintf("❌ Stop repair for %s failed: %v", p.Symbol, err))
			}
			continue
		}
		if r != nil {
			repairs = append(repairs, *r)
		}
	}
	return repairs, nil
}

func (e *Executor) repairOne(ctx context.Context, store *storage.Store, executionID string, p models.Position, existing *models.Order, prices map[string]decimal.Decimal, now time.Time) (*Repair, error) {
	stop := p.StopLoss.Decimal
	limit := StopLimitPrice(p.EntryPrice, stop)
	if existing != nil && existing.LimitPrice.IsPositive() {
		limit = existing.LimitPrice
	}
	price, havePrice := prices[p.Symbol]
	havePrice = havePrice && price.IsPositive()

	switch {
	case !havePrice || price.GreaterThan(stop):
		if existing != nil {
			if p.ProtectionState != models.ProtectionActive && p.ProtectionState != models.ProtectionRepaired {
				return nil, store.UpdateProtection(ctx, p.ID, models.ProtectionActive, existing.ID)
			}
			return nil, nil
		}
		log.Printf("⚠️ [ORDER] %s has no open stop, placing one at %s", p.Symbol, stop.StringFixed(2))
		id, err := e.placeRepairStop(ctx, executionID, p, stop, limit)
		if err != nil {
			return nil, err
		}
		if err := store.UpdateProtection(ctx, p.ID, models.ProtectionRepaired, id); err != nil {
			return nil, err
		}
		e.alert(ctx, models.SeverityWarn, fmt.Sprintf("🛠️ %s had no protective stop. New stop %s placed.", p.Symbol, stop.StringFixed(2)))
		return &Repair{Symbol: p.Symbol, Disposition: models.ProtectionRepaired, OrderID: id, Price: price}, nil

	case price.LessThan(limit):
		log.Printf("🚨 [ORDER] %s at %s is below stop limit %s, liquidating", p.Symbol, price.StringFixed(2), limit.StringFixed(2))
		if err := store.UpdateProtection(ctx, p.ID, models.ProtectionLiquidated, ""); err != nil {
			return nil, err
		}
		out, err := e.Sell(ctx, store, SellIntent{ExecutionID: executionID, Position: p, Reason: models.CloseStopLoss}, now)
		if errors.Is(err, ErrSubmitFailed) {
			return nil, alertedError{err}
		}
		if err != nil {
			return nil, err
		}
		e.alert(ctx, models.SeverityError, fmt.Sprintf("🚨 Stuck stop on %s: price %s under limit %s. Liquidated at market.",
			p.Symbol, price.StringFixed(2), limit.StringFixed(2)))
		r := &Repair{Symbol: p.Symbol, Disposition: models.ProtectionLiquidated, Price: price}
		if out != nil && out.Order != nil {
			r.OrderID = out.Order.ID
		}
		return r, nil

	default:
		band := stop.Sub(limit)
		if !band.IsPositive() {
			band = p.EntryPrice.Sub(stop).Abs().Mul(stopBandFraction)
		}
		newLimit := boundedLimit(price.Sub(band), p.EntryPrice, price)
		log.Printf("⚠️ [ORDER] %s stop %s crossed (price %s) but unfilled, resubmitting with limit %s",
			p.Symbol, stop.StringFixed(2), price.StringFixed(2), newLimit.StringFixed(2))
		if existing != nil {
			if err := e.broker.CancelOrder(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("cancel stuck stop %s: %w", existing.ID, err)
			}
		}
		id, err := e.placeRepairStop(ctx, executionID, p, stop, newLimit)
		if err != nil {
			return nil, err
		}
		if err := store.UpdateProtection(ctx, p.ID, models.ProtectionRepaired, id); err != nil {
			return nil, err
		}
		e.alert(ctx, models.SeverityWarn, fmt.Sprintf("🛠️ Stuck stop on %s resubmitted: stop %s limit %s (price %s)",
			p.Symbol, stop.StringFixed(2), newLimit.StringFixed(2), price.StringFixed(2)))
		return &Repair{Symbol: p.Symbol, Disposition: models.ProtectionRepaired, OrderID: id, Price: price}, nil
	}
}

func (e *Executor) placeRepairStop(ctx context.Context, executionID string, p models.Position, stop, limit decimal.Decimal) (string, error) {
	if err := e.guard(); err != nil {
		return "", err
	}
	req := models.OrderRequest{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		Side:          "sell",
		Type:          "stop_limit",
		StopPrice:     stop.Round(2),
		LimitPrice:    limit,
		ClientOrderID: fmt.Sprintf("%s_%s_stop_%s", executionID, p.Symbol, e.suffix()),
	}
	o, err := e.submit(ctx, req)
	if err != nil {
		return "", err
	}
	return o.ID, nil
}

// findStop returns the open protective stop for p, preferring the recorded one.
func findStop(orders []models.Order, p models.Position) *models.Order {
	var found *models.Order
	consider := func(o *models.Order) {
		if o.Symbol != p.Symbol || o.Side != "sell" || !o.IsOpen() {
			return
		}
		if o.Type != "stop" && o.Type != "stop_limit" {
			return
		}
		if found == nil || o.ID == p.StopOrderID {
			found = o
		}
	}
	for i := range orders {
		consider(&orders[i])
		for j := range orders[i].Legs {
			consider(&orders[i].Legs[j])
		}
	}
	return found
}

// LiquidateAll closes every given position at market after clearing its
// orders. It returns how many liquidation orders were sent.
func (e *Executor) LiquidateAll(ctx context.Context, store *storage.Store, executionID string, positions []models.Position, reason string, now time.Time) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	sent := 0
	var failed []string
	for _, p := range positions {
		cid := ClientOrderID(executionID, p.Symbol, "liquidate")
		if err := e.checkNew(ctx, store, cid); err != nil {
			continue
		}
		if err := e.clearOrders(ctx, p.Symbol); err != nil {
			log.Printf("⚠️ [ORDER] %s: %v", p.Symbol, err)
		}

		order, err := e.broker.ClosePosition(ctx, p.Symbol, cid)
		if err != nil {
			log.Printf("❌ [ORDER] liquidate %s: %v", p.Symbol, err)
			failed = append(failed, p.Symbol)
			continue
		}
		pid := p.ID
		trade := &models.Trade{
			PositionID:    &pid,
			ExecutionID:   executionID,
			Symbol:        p.Symbol,
			Side:          "sell",
			Qty:           p.Qty,
			OrderType:     "market",
			BrokerOrderID: order.ID,
			ClientOrderID: cid,
			State:         models.OrderSubmitted,
			Reason:        reason,
		}
		if err := store.SaveTrade(ctx, trade); err != nil {
			return sent, fmt.Errorf("record liquidation %s: %w", p.Symbol, err)
		}
		sent++
		order = e.awaitFill(ctx, order)
		if err := e.settleSell(ctx, store, trade, order, now); err != nil {
			return sent, err
		}
	}
	if len(failed) > 0 {
		e.alert(ctx, models.SeverityCritical, fmt.Sprintf("🚨 Liquidation failed for %v. Manual action required.", failed))
		return sent, fmt.Errorf("liquidation failed for %v", failed)
	}
	return sent, nil
}
