package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Options configures the Alpaca clients.
type Options struct {
	APIKey             string
	APISecret          string
	BaseURL            string
	RateLimitPerMinute int
	RetryLimit         int
	Timeout            time.Duration
}

// Provider implements market.Broker and market.DataProvider for Alpaca.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
	limiter     *rate.Limiter
}

// Ensure Provider implements the interfaces
var (
	_ market.Broker       = (*Provider)(nil)
	_ market.DataProvider = (*Provider)(nil)
)

// NewProvider returns a new Alpaca provider.
func NewProvider(opts Options) *Provider {
	perMinute := opts.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 180
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	return &Provider{
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			RetryLimit: opts.RetryLimit,
			HTTPClient: httpClient,
		}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     opts.APIKey,
			APISecret:  opts.APISecret,
			BaseURL:    opts.BaseURL,
			RetryLimit: opts.RetryLimit,
			RetryDelay: time.Second,
			HTTPClient: httpClient,
		}),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5),
	}
}

// wait blocks until the limiter admits one request or ctx ends.
func (p *Provider) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// --- Market Data ---

func (p *Provider) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	trades, err := p.mdClient.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(trades))
	for sym, tr := range trades {
		out[sym] = decimal.NewFromFloat(tr.Price)
	}
	return out, nil
}

// DailyBars returns up to days daily candles ending today, oldest first.
func (p *Provider) DailyBars(ctx context.Context, symbol string, days int) ([]models.Bar, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	// Calendar days needed to cover the trading days, with weekends and holidays.
	start := time.Now().AddDate(0, 0, -(days*7/5 + 10))
	bars, err := p.mdClient.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Start:      start,
		Adjustment: marketdata.Split,
	})
	if err != nil {
		return nil, err
	}

	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}

	result := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		result = append(result, models.Bar{
			Time:   b.Timestamp,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: int64(b.Volume),
		})
	}
	return result, nil
}

// --- Account ---

func (p *Provider) GetAccount(ctx context.Context) (*models.Account, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	a, err := p.tradeClient.GetAccount()
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:               a.ID,
		Currency:         a.Currency,
		Equity:           a.Equity,
		LastEquity:       a.LastEquity,
		BuyingPower:      a.BuyingPower,
		Cash:             a.Cash,
		PortfolioValue:   a.PortfolioValue,
		IsAccountBlocked: a.AccountBlocked,
	}, nil
}

func (p *Provider) ListPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	alpacaPositions, err := p.tradeClient.GetPositions()
	if err != nil {
		return nil, err
	}

	result := make([]models.BrokerPosition, 0, len(alpacaPositions))
	for _, x := range alpacaPositions {
		result = append(result, models.BrokerPosition{
			Symbol:        x.Symbol,
			Side:          x.Side,
			Qty:           x.Qty,
			AvgEntryPrice: x.AvgEntryPrice,
			CurrentPrice:  deref(x.CurrentPrice),
			MarketValue:   deref(x.MarketValue),
			UnrealizedPL:  deref(x.UnrealizedPL),
		})
	}
	return result, nil
}

func (p *Provider) IsTradingDay(ctx context.Context, day time.Time) (bool, error) {
	if err := p.wait(ctx); err != nil {
		return false, err
	}
	days, err := p.tradeClient.GetCalendar(alpaca.GetCalendarRequest{Start: day, End: day})
	if err != nil {
		return false, err
	}
	want := day.Format("2006-01-02")
	for _, d := range days {
		if d.Date == want {
			return true, nil
		}
	}
	return false, nil
}

// --- Execution ---

// PlaceOrder submits req. A request carrying a StopLoss is sent as a GTC
// bracket so the protective legs survive the session.
func (p *Provider) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	qty := req.Qty
	areq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if !req.LimitPrice.IsZero() {
		lp := req.LimitPrice
		areq.LimitPrice = &lp
	}
	if !req.StopPrice.IsZero() {
		sp := req.StopPrice
		areq.StopPrice = &sp
	}

	if req.StopLoss != nil {
		areq.OrderClass = alpaca.Bracket
		areq.TimeInForce = alpaca.GTC
		stop := req.StopLoss.StopPrice
		limit := req.StopLoss.LimitPrice
		areq.StopLoss = &alpaca.StopLoss{StopPrice: &stop, LimitPrice: &limit}
		if req.TakeProfit != nil {
			tp := *req.TakeProfit
			areq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
		}
	} else if req.Type == "stop_limit" || req.Type == "stop" {
		// Standalone protective orders replace a bracket leg and must outlive the day.
		areq.TimeInForce = alpaca.GTC
	}

	o, err := p.tradeClient.PlaceOrder(areq)
	if err != nil {
		if isDuplicateClientID(err) {
			return nil, fmt.Errorf("%w: %s", market.ErrDuplicateClientOrderID, req.ClientOrderID)
		}
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	o, err := p.tradeClient.GetOrder(orderID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return mapOrder(o), nil
}

func (p *Provider) GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	o, err := p.tradeClient.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return mapOrder(o), nil
}

// ListOrders returns orders with nested legs, newest first.
func (p *Provider) ListOrders(ctx context.Context, status string) ([]models.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := p.tradeClient.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		Limit:  500,
		Nested: true,
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Order, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

func (p *Provider) ReplaceOrderQty(ctx context.Context, orderID string, qty decimal.Decimal) (*models.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	o, err := p.tradeClient.ReplaceOrder(orderID, alpaca.ReplaceOrderRequest{Qty: &qty})
	if err != nil {
		return nil, err
	}
	return mapOrder(o), nil
}

func (p *Provider) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.tradeClient.CancelOrder(orderID)
}

// ClosePosition liquidates symbol at market. Alpaca assigns its own client id
// to the liquidation order; clientOrderID is only used for error context.
func (p *Provider) ClosePosition(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	o, err := p.tradeClient.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, fmt.Errorf("close %s (%s): %w", symbol, clientOrderID, err)
	}
	return mapOrder(o), nil
}

// Helpers

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func isDuplicateClientID(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "client_order_id") && (strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate"))
}

func wrapNotFound(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
		return fmt.Errorf("%w: %v", market.ErrOrderNotFound, err)
	}
	return err
}

func mapOrder(o *alpaca.Order) *models.Order {
	if o == nil {
		return nil
	}

	res := &models.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Qty:            deref(o.Qty),
		FilledQty:      o.FilledQty,
		Type:           string(o.Type),
		Side:           string(o.Side),
		Status:         o.Status,
		OrderClass:     string(o.OrderClass),
		LimitPrice:     deref(o.LimitPrice),
		StopPrice:      deref(o.StopPrice),
		FilledAvgPrice: deref(o.FilledAvgPrice),
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
	}

	for i := range o.Legs {
		res.Legs = append(res.Legs, *mapOrder(&o.Legs[i]))
	}
	return res
}
