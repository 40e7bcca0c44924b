package market

import (
	"context"
	"errors"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
)

// Broker is the brokerage boundary. Broker account state is the single source
// of truth for quantities and prices; it is queried fresh every cycle.
//
// Any implementation must reject a second order carrying an already used
// client order id with ErrDuplicateClientOrderID.
type Broker interface {
	GetAccount(ctx context.Context) (*models.Account, error)
	ListPositions(ctx context.Context) ([]models.BrokerPosition, error)
	ListOrders(ctx context.Context, status string) ([]models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.Order, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	ReplaceOrderQty(ctx context.Context, orderID string, qty decimal.Decimal) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, symbol, clientOrderID string) (*models.Order, error)
	IsTradingDay(ctx context.Context, day time.Time) (bool, error)
}

// DataProvider supplies read-only market data.
type DataProvider interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	DailyBars(ctx context.Context, symbol string, days int) ([]models.Bar, error)
}

var (
	// ErrDuplicateClientOrderID means the broker already holds an order with this client id.
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	// ErrOrderNotFound is returned by lookups that find nothing.
	ErrOrderNotFound = errors.New("order not found")
)
