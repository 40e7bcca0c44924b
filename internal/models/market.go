package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a broker order as seen by the agent.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	Type           string          `json:"type"`   // market, limit, stop, stop_limit
	Side           string          `json:"side"`   // buy, sell
	Status         string          `json:"status"` // new, accepted, held, partially_filled, filled, canceled, expired, rejected
	OrderClass     string          `json:"order_class,omitempty"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
	Legs           []Order         `json:"legs,omitempty"`
}

// IsOpen reports whether the broker may still fill the order.
func (o Order) IsOpen() bool {
	switch o.Status {
	case "new", "accepted", "pending_new", "held", "partially_filled", "accepted_for_bidding", "pending_replace":
		return true
	}
	return false
}

// Account represents the broker account state.
type Account struct {
	ID               string
	Currency         string
	Equity           decimal.Decimal
	LastEquity       decimal.Decimal // equity at the previous close
	BuyingPower      decimal.Decimal
	Cash             decimal.Decimal
	PortfolioValue   decimal.Decimal
	IsAccountBlocked bool
}

// Clock represents the market status.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Bar represents a daily candle.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// BrokerPosition represents a position held at the broker.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

// OrderRequest is a broker-neutral description of an order to submit.
// A request with StopLoss set is sent as a bracket.
type OrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          string // buy, sell
	Type          string // market, limit, stop, stop_limit
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	ClientOrderID string
	StopLoss      *StopLeg
	TakeProfit    *decimal.Decimal
}

// StopLeg is the protective stop of a bracket, always a stop-limit.
type StopLeg struct {
	StopPrice  decimal.Decimal
	LimitPrice decimal.Decimal
}
