// Package execution turns approved intents into broker orders and tracks them
// to a final state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateOrder means an intent with the same client order id already exists.
	ErrDuplicateOrder = errors.New("order already submitted for this cycle")
	// ErrSubmitFailed means both submission attempts failed.
	ErrSubmitFailed = errors.New("order submission failed")
)

var (
	stopBandFraction = decimal.NewFromFloat(0.5)
	stopFloorPct     = decimal.NewFromFloat(0.92)
)

// Alerter sends operator alerts.
type Alerter interface {
	Alert(ctx context.Context, sev models.Severity, msg string)
}

// Options tunes the executor.
type Options struct {
	FillTimeout  time.Duration
	PollInterval time.Duration
	// PaperGuard is checked before every order. A non-nil error blocks submission.
	PaperGuard func() error
}

// Executor is the order state machine: pending → submitted → filled,
// partially_filled, rejected or canceled.
type Executor struct {
	broker market.Broker
	alerts Alerter
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
	suffix func() string
}

func New(broker market.Broker, alerts Alerter, opts Options) *Executor {
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Executor{
		broker: broker,
		alerts: alerts,
		opts:   opts,
		sleep:  sleepCtx,
		suffix: func() string { return uuid.NewString()[:8] },
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClientOrderID is {execution_id}_{symbol}_{side}. A resubmission from the
// same logical cycle carries the same id and is refused by the broker.
func ClientOrderID(executionID, symbol, side string) string {
	return fmt.Sprintf("%s_%s_%s", executionID, symbol, side)
}

// StopLimitPrice returns the limit of a protective stop-limit: the trigger
// minus half the entry-to-stop distance, floored at 92% of entry and never
// above the trigger.
func StopLimitPrice(entry, stop decimal.Decimal) decimal.Decimal {
	band := entry.Sub(stop).Abs().Mul(stopBandFraction)
	return boundedLimit(stop.Sub(band), entry, stop)
}

func boundedLimit(limit, entry, ceiling decimal.Decimal) decimal.Decimal {
	if floor := entry.Mul(stopFloorPct); limit.LessThan(floor) {
		limit = floor
	}
	if limit.GreaterThan(ceiling) {
		limit = ceiling
	}
	return limit.Round(2)
}

// BuyIntent is an approved long entry.
type BuyIntent struct {
	ExecutionID string
	Symbol      string
	Qty         int64
	Entry       decimal.Decimal
	Stop        decimal.Decimal
	TakeProfit  decimal.Decimal
	Sector      string
	Reason      string
	Confidence  *int
}

// SellIntent closes an open position.
type SellIntent struct {
	ExecutionID string
	Position    models.Position
	Reason      string // one of the models.Close* reasons
}

// Outcome is where an intent ended up this cycle.
type Outcome struct {
	Trade    *models.Trade
	Order    *models.Order
	Position *models.Position
}

// State is the trade state, or "" when nothing was recorded.
func (o *Outcome) State() string {
	if o == nil || o.Trade == nil {
		return ""
	}
	return o.Trade.State
}

func (e *Executor) alert(ctx context.Context, sev models.Severity, msg string) {
	if e.alerts != nil {
		e.alerts.Alert(ctx, sev, msg)
	}
}

func (e *Executor) guard() error {
	if e.opts.PaperGuard == nil {
		return nil
	}
	return e.opts.PaperGuard()
}

// Buy submits in as a bracket: limit entry, stop-limit stop and limit take
// profit. The fill is awaited up to FillTimeout; an unfilled remainder is
// canceled and the protection resized to the filled quantity.
func (e *Executor) Buy(ctx context.Context, store *storage.Store, in BuyIntent, now time.Time) (*Outcome, error) {
	cid := ClientOrderID(in.ExecutionID, in.Symbol, "buy")
	if err := e.checkNew(ctx, store, cid); err != nil {
		return nil, err
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if in.Qty <= 0 || !in.Stop.LessThan(in.Entry) {
		return nil, fmt.Errorf("invalid buy %s: qty %d entry %s stop %s", in.Symbol, in.Qty, in.Entry, in.Stop)
	}

	trade := &models.Trade{
		ExecutionID:   in.ExecutionID,
		Symbol:        in.Symbol,
		Side:          "buy",
		Qty:           decimal.NewFromInt(in.Qty),
		Price:         in.Entry,
		OrderType:     "bracket",
		ClientOrderID: cid,
		State:         models.OrderPending,
		Reason:        in.Reason,
	}
	if err := store.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record intent %s: %w", cid, err)
	}

	tp := in.TakeProfit
	req := models.OrderRequest{
		Symbol:        in.Symbol,
		Qty:           trade.Qty,
		Side:          "buy",
		Type:          "limit",
		LimitPrice:    in.Entry.Round(2),
		ClientOrderID: cid,
		StopLoss: &models.StopLeg{
			StopPrice:  in.Stop.Round(2),
			LimitPrice: StopLimitPrice(in.Entry, in.Stop),
		},
	}
	if tp.GreaterThan(in.Entry) {
		tp = tp.Round(2)
		req.TakeProfit = &tp
	}

	out := &Outcome{Trade: trade}
	order, err := e.submit(ctx, req)
	if err != nil {
		return out, e.failed(ctx, store, trade, err)
	}
	trade.BrokerOrderID = order.ID
	trade.State = models.OrderSubmitted
	if err := store.SaveTrade(ctx, trade); err != nil {
		return out, err
	}
	log.Printf("📤 [ORDER] %s bracket submitted: %s x%d @ %s stop %s/%s (order %s)",
		in.Symbol, cid, in.Qty, req.LimitPrice.StringFixed(2), req.StopLoss.StopPrice.StringFixed(2),
		req.StopLoss.LimitPrice.StringFixed(2), order.ID)

	order = e.awaitFill(ctx, order)
	out.Order = order
	meta := entryMeta{
		ExecutionID: in.ExecutionID,
		Stop:        req.StopLoss.StopPrice,
		TakeProfit:  tp,
		Sector:      in.Sector,
		Reason:      in.Reason,
		Confidence:  in.Confidence,
	}
	pos, err := e.settleBuy(ctx, store, trade, order, meta, now)
	out.Position = pos
	return out, err
}

// Sell clears every open order on the symbol, then sells the local quantity at market.
func (e *Executor) Sell(ctx context.Context, store *storage.Store, in SellIntent, now time.Time) (*Outcome, error) {
	sym := in.Position.Symbol
	cid := ClientOrderID(in.ExecutionID, sym, "sell")
	if err := e.checkNew(ctx, store, cid); err != nil {
		return nil, err
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if !in.Position.Qty.IsPositive() {
		return nil, fmt.Errorf("sell %s: nothing to sell", sym)
	}

	if err := e.clearOrders(ctx, sym); err != nil {
		log.Printf("⚠️ [ORDER] %s: %v", sym, err)
	}

	pid := in.Position.ID
	trade := &models.Trade{
		PositionID:    &pid,
		ExecutionID:   in.ExecutionID,
		Symbol:        sym,
		Side:          "sell",
		Qty:           in.Position.Qty,
		OrderType:     "market",
		ClientOrderID: cid,
		State:         models.OrderPending,
		Reason:        in.Reason,
	}
	if err := store.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record intent %s: %w", cid, err)
	}

	out := &Outcome{Trade: trade}
	order, err := e.submit(ctx, models.OrderRequest{
		Symbol:        sym,
		Qty:           in.Position.Qty,
		Side:          "sell",
		Type:          "market",
		ClientOrderID: cid,
	})
	if err != nil {
		return out, e.failed(ctx, store, trade, err)
	}
	trade.BrokerOrderID = order.ID
	trade.State = models.OrderSubmitted
	if err := store.SaveTrade(ctx, trade); err != nil {
		return out, err
	}
	log.Printf("📤 [ORDER] %s sell submitted: %s x%s reason=%s (order %s)", sym, cid, in.Position.Qty, in.Reason, order.ID)

	order = e.awaitFill(ctx, order)
	out.Order = order
	return out, e.settleSell(ctx, store, trade, order, now)
}

func (e *Executor) checkNew(ctx context.Context, store *storage.Store, cid string) error {
	existing, err := store.TradeByClientID(ctx, cid)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", cid, err)
	}
	if existing != nil {
		log.Printf("ℹ️ [ORDER] %s already recorded (%s), not resubmitting", cid, existing.State)
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, cid)
	}
	return nil
}

// submit places req with exactly one retry. A duplicate rejection means an
// earlier attempt reached the broker, so that order is adopted.
func (e *Executor) submit(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		order, err := e.broker.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		if errors.Is(err, market.ErrDuplicateClientOrderID) && req.ClientOrderID != "" {
			existing, lookupErr := e.broker.GetOrderByClientID(ctx, req.ClientOrderID)
			if lookupErr == nil {
				log.Printf("ℹ️ [ORDER] %s already at broker as %s, adopting", req.ClientOrderID, existing.ID)
				return existing, nil
			}
			err = fmt.Errorf("%v (lookup: %v)", err, lookupErr)
		}
		lastErr = err
		log.Printf("⚠️ [ORDER] %s attempt %d failed: %v", req.ClientOrderID, attempt, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, lastErr)
}

// failed records a submission failure. The next cycle's reconciliation picks
// up anything that did reach the broker.
func (e *Executor) failed(ctx context.Context, store *storage.Store, trade *models.Trade, err error) error {
	trade.State = models.OrderRejected
	trade.ErrorMessage = err.Error()
	if saveErr := store.SaveTrade(ctx, trade); saveErr != nil {
		log.Printf("❌ [ORDER] could not record failure of %s: %v", trade.ClientOrderID, saveErr)
	}
	log.Printf("❌ [ORDER] %s %s failed: %v", trade.Side, trade.Symbol, err)
	e.alert(ctx, models.SeverityError, fmt.Sprintf("❌ Order failed: %s %s x%s\n%v", strings.ToUpper(trade.Side), trade.Symbol, trade.Qty, err))
	return err
}

// awaitFill polls the order until it leaves the open states or FillTimeout
// passes. On timeout the unfilled remainder is canceled and the order re-read.
func (e *Executor) awaitFill(ctx context.Context, order *models.Order) *models.Order {
	polls := int(e.opts.FillTimeout / e.opts.PollInterval)
	for i := 0; i < polls && order.IsOpen(); i++ {
		if err := e.sleep(ctx, e.opts.PollInterval); err != nil {
			break
		}
		cur, err := e.broker.GetOrder(ctx, order.ID)
		if err != nil {
			log.Printf("Verification poll failed for %s: %v", order.ID, err)
			continue
		}
		order = cur
	}
	if !order.IsOpen() {
		return order
	}

	log.Printf("⏱️ [ORDER] %s still %s after %s, canceling remainder", order.ID, order.Status, e.opts.FillTimeout)
	if err := e.broker.CancelOrder(ctx, order.ID); err != nil {
		log.Printf("⚠️ [ORDER] cancel %s: %v", order.ID, err)
	}
	if cur, err := e.broker.GetOrder(ctx, order.ID); err == nil {
		order = cur
	}
	return order
}

// clearOrders cancels every open order and open bracket leg on symbol.
func (e *Executor) clearOrders(ctx context.Context, symbol string) error {
	orders, err := e.broker.ListOrders(ctx, "open")
	if err != nil {
		return fmt.Errorf("failed to list orders: %w", err)
	}
	var failed []string
	for _, o := range orders {
		if o.Symbol != symbol {
			continue
		}
		for _, id := range openIDs(o) {
			if err := e.broker.CancelOrder(ctx, id); err != nil {
				log.Printf("Warning: Failed to cancel order %s: %v", id, err)
				failed = append(failed, id)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not cancel %v", failed)
	}
	return nil
}

// openIDs lists o itself when open, otherwise its open legs.
func openIDs(o models.Order) []string {
	if o.IsOpen() {
		return []string{o.ID}
	}
	var ids []string
	for _, l := range o.Legs {
		if l.IsOpen() {
			ids = append(ids, l.ID)
		}
	}
	return ids
}
