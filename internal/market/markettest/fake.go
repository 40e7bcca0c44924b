// Package markettest provides an in-memory broker for tests.
package markettest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
)

// FakeBroker is a scripted market.Broker and market.DataProvider.
//
// Orders are kept in memory and duplicate client ids are rejected the way a
// real broker rejects them. By default orders stay "accepted"; set FillMode
// to make them fill on submission.
type FakeBroker struct {
	mu sync.Mutex

	Account   models.Account
	Positions []models.BrokerPosition
	// PositionReads, when set, is consumed one entry per ListPositions call
	// before falling back to Positions.
	PositionReads [][]models.BrokerPosition
	Prices        map[string]decimal.Decimal
	Bars          map[string][]models.Bar
	Closed        map[string]bool // non-session days, YYYY-MM-DD

	// FillMode is "" (accept only), "fill" or "partial".
	FillMode string
	// PartialRatio is the filled fraction when FillMode is "partial".
	PartialRatio decimal.Decimal
	// PlaceErrs are returned by successive PlaceOrder calls before any order is accepted.
	PlaceErrs []error
	// FailAccount makes GetAccount fail.
	FailAccount error

	Orders   map[string]*models.Order
	byClient map[string]string
	seq      int

	Calls    int
	Placed   []models.OrderRequest
	Canceled []string
	Replaced map[string]decimal.Decimal
	ClosedBy []string
}

// NewFakeBroker returns a broker holding equity in cash and no positions.
func NewFakeBroker(equity float64) *FakeBroker {
	eq := decimal.NewFromFloat(equity)
	return &FakeBroker{
		Account: models.Account{
			ID:          "fake-account",
			Currency:    "USD",
			Equity:      eq,
			LastEquity:  eq,
			BuyingPower: eq,
			Cash:        eq,
		},
		Prices:   map[string]decimal.Decimal{},
		Bars:     map[string][]models.Bar{},
		Closed:   map[string]bool{},
		Orders:   map[string]*models.Order{},
		byClient: map[string]string{},
		Replaced: map[string]decimal.Decimal{},
	}
}

var (
	_ market.Broker       = (*FakeBroker)(nil)
	_ market.DataProvider = (*FakeBroker)(nil)
)

func (f *FakeBroker) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// Hold sets a broker position.
func (f *FakeBroker) Hold(symbol string, qty, avgPrice float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPosition(symbol, decimal.NewFromFloat(qty), decimal.NewFromFloat(avgPrice))
}

func (f *FakeBroker) setPosition(symbol string, qty, price decimal.Decimal) {
	for i := range f.Positions {
		if f.Positions[i].Symbol == symbol {
			if qty.IsZero() {
				f.Positions = append(f.Positions[:i], f.Positions[i+1:]...)
				return
			}
			f.Positions[i].Qty = qty
			f.Positions[i].MarketValue = qty.Mul(price)
			return
		}
	}
	if qty.IsZero() {
		return
	}
	f.Positions = append(f.Positions, models.BrokerPosition{
		Symbol:        symbol,
		Side:          "long",
		Qty:           qty,
		AvgEntryPrice: price,
		CurrentPrice:  price,
		MarketValue:   qty.Mul(price),
	})
}

func (f *FakeBroker) positionQty(symbol string) decimal.Decimal {
	for _, p := range f.Positions {
		if p.Symbol == symbol {
			return p.Qty
		}
	}
	return decimal.Zero
}

func (f *FakeBroker) GetAccount(ctx context.Context) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.FailAccount != nil {
		return nil, f.FailAccount
	}
	a := f.Account
	return &a, nil
}

func (f *FakeBroker) ListPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if len(f.PositionReads) > 0 {
		next := f.PositionReads[0]
		f.PositionReads = f.PositionReads[1:]
		return append([]models.BrokerPosition(nil), next...), nil
	}
	return append([]models.BrokerPosition(nil), f.Positions...), nil
}

func (f *FakeBroker) ListOrders(ctx context.Context, status string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	var out []models.Order
	for _, o := range f.Orders {
		if o.OrderClass == "leg" {
			continue
		}
		c := f.withLegs(o)
		if status == "open" && !c.IsOpen() && !anyLegOpen(&c) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func anyLegOpen(o *models.Order) bool {
	for _, l := range o.Legs {
		if l.IsOpen() {
			return true
		}
	}
	return false
}

// withLegs copies o with the current state of its legs.
func (f *FakeBroker) withLegs(o *models.Order) models.Order {
	c := *o
	c.Legs = nil
	for _, l := range o.Legs {
		if cur, ok := f.Orders[l.ID]; ok {
			c.Legs = append(c.Legs, *cur)
		}
	}
	return c
}

func (f *FakeBroker) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	o, ok := f.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
	}
	c := f.withLegs(o)
	return &c, nil
}

func (f *FakeBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	f.mu.Lock()
	id, ok := f.byClient[clientOrderID]
	if !ok {
		f.Calls++
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", market.ErrOrderNotFound, clientOrderID)
	}
	f.mu.Unlock()
	return f.GetOrder(ctx, id)
}

func (f *FakeBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if len(f.PlaceErrs) > 0 {
		err := f.PlaceErrs[0]
		f.PlaceErrs = f.PlaceErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if req.ClientOrderID != "" {
		if _, dup := f.byClient[req.ClientOrderID]; dup {
			return nil, fmt.Errorf("%w: %s", market.ErrDuplicateClientOrderID, req.ClientOrderID)
		}
	}
	f.Placed = append(f.Placed, req)

	o := f.newOrder(req.Symbol, req.Side, req.Type, req.Qty, req.ClientOrderID)
	o.LimitPrice = req.LimitPrice
	o.StopPrice = req.StopPrice

	if req.StopLoss != nil {
		o.OrderClass = "bracket"
		stop := f.newOrder(req.Symbol, "sell", "stop_limit", req.Qty, "")
		stop.OrderClass = "leg"
		stop.Status = "held"
		stop.StopPrice = req.StopLoss.StopPrice
		stop.LimitPrice = req.StopLoss.LimitPrice
		o.Legs = append(o.Legs, *stop)
		if req.TakeProfit != nil {
			tp := f.newOrder(req.Symbol, "sell", "limit", req.Qty, "")
			tp.OrderClass = "leg"
			tp.Status = "held"
			tp.LimitPrice = *req.TakeProfit
			o.Legs = append(o.Legs, *tp)
		}
	}

	switch f.FillMode {
	case "fill":
		f.fill(o, req.Qty)
	case "partial":
		ratio := f.PartialRatio
		if ratio.IsZero() {
			ratio = decimal.NewFromFloat(0.5)
		}
		f.fill(o, req.Qty.Mul(ratio).Floor())
	}

	c := f.withLegs(o)
	return &c, nil
}

func (f *FakeBroker) newOrder(symbol, side, typ string, qty decimal.Decimal, clientID string) *models.Order {
	f.seq++
	id := fmt.Sprintf("ord-%03d", f.seq)
	if clientID == "" {
		clientID = "auto-" + id
	}
	o := &models.Order{
		ID:            id,
		ClientOrderID: clientID,
		Symbol:        symbol,
		Qty:           qty,
		Type:          typ,
		Side:          side,
		Status:        "accepted",
		CreatedAt:     time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
	f.Orders[id] = o
	f.byClient[clientID] = id
	return o
}

// fill executes qty of o at its limit price, or the configured price for
// market orders, and moves the broker position.
func (f *FakeBroker) fill(o *models.Order, qty decimal.Decimal) {
	price := o.LimitPrice
	if o.Type == "market" || price.IsZero() {
		price = f.Prices[o.Symbol]
	}
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}
	o.FilledQty = qty
	o.FilledAvgPrice = price
	if qty.Equal(o.Qty) {
		o.Status = "filled"
	} else if qty.IsPositive() {
		o.Status = "partially_filled"
	}
	now := time.Date(2025, 6, 2, 14, 0, 1, 0, time.UTC)
	o.FilledAt = &now

	held := f.positionQty(o.Symbol)
	if o.Side == "buy" {
		f.setPosition(o.Symbol, held.Add(qty), price)
	} else {
		rest := held.Sub(qty)
		if rest.IsNegative() {
			rest = decimal.Zero
		}
		f.setPosition(o.Symbol, rest, price)
	}

	if o.Status == "filled" {
		for _, l := range o.Legs {
			if leg, ok := f.Orders[l.ID]; ok && leg.Status == "held" {
				leg.Status = "new"
			}
		}
	}
}

// FillOrder fills an existing order, e.g. a resting entry.
func (f *FakeBroker) FillOrder(orderID string, qty float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.Orders[orderID]; ok {
		f.fill(o, decimal.NewFromFloat(qty))
	}
}

// AddOrder registers an order directly, bypassing PlaceOrder.
func (f *FakeBroker) AddOrder(o models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := o
	f.Orders[c.ID] = &c
	if c.ClientOrderID != "" {
		f.byClient[c.ClientOrderID] = c.ID
	}
}

func (f *FakeBroker) ReplaceOrderQty(ctx context.Context, orderID string, qty decimal.Decimal) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	o, ok := f.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
	}
	o.Qty = qty
	f.Replaced[orderID] = qty
	c := f.withLegs(o)
	return &c, nil
}

func (f *FakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	o, ok := f.Orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
	}
	if !o.IsOpen() {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	o.Status = "canceled"
	f.Canceled = append(f.Canceled, orderID)
	return nil
}

func (f *FakeBroker) ClosePosition(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	qty := f.positionQty(symbol)
	if qty.IsZero() {
		return nil, fmt.Errorf("position %s not found", symbol)
	}
	f.ClosedBy = append(f.ClosedBy, symbol)
	o := f.newOrder(symbol, "sell", "market", qty, "")
	f.fill(o, qty)
	c := *o
	return &c, nil
}

func (f *FakeBroker) IsTradingDay(ctx context.Context, day time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	return !f.Closed[day.Format("2006-01-02")], nil
}

func (f *FakeBroker) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if p, ok := f.Prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (f *FakeBroker) DailyBars(ctx context.Context, symbol string, days int) ([]models.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	bars, ok := f.Bars[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return append([]models.Bar(nil), bars...), nil
}

// TrendBars builds n daily bars rising by step from start with a fixed range.
func TrendBars(n int, start, step, rng float64) []models.Bar {
	bars := make([]models.Bar, n)
	t := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		c := start + step*float64(i)
		bars[i] = models.Bar{
			Time:   t.AddDate(0, 0, i),
			Open:   decimal.NewFromFloat(c - step/2),
			High:   decimal.NewFromFloat(c + rng/2),
			Low:    decimal.NewFromFloat(c - rng/2),
			Close:  decimal.NewFromFloat(c),
			Volume: 1_000_000,
		}
	}
	return bars
}
