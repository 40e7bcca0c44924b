package ai

import (
	"github.com/smilior/alpaca-trading/internal/market"
)

// PromptPayload is the data sent to the model each cycle.
type PromptPayload struct {
	Timestamp   string                        `json:"timestamp"`
	Mode        string                        `json:"mode"`
	Portfolio   PortfolioView                 `json:"portfolio"`
	Positions   []PositionView                `json:"positions"`
	Market      map[string]*market.SymbolData `json:"market"`
	VIX         *float64                      `json:"vix,omitempty"`
	Constraints Constraints                   `json:"constraints"`
}

type PortfolioView struct {
	Equity        string  `json:"equity"`
	Cash          string  `json:"cash"`
	BuyingPower   string  `json:"buying_power"`
	DrawdownPct   float64 `json:"drawdown_pct"`
	DailyPnLPct   float64 `json:"daily_pnl_pct"`
	BreakerLevel  int     `json:"circuit_breaker_level"`
	OpenPositions int     `json:"open_positions"`
}

type PositionView struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	EntryPrice  string `json:"entry_price"`
	EntryDate   string `json:"entry_date"`
	HoldingDays int    `json:"holding_days"`
	StopLoss    string `json:"stop_loss,omitempty"`
	TakeProfit  string `json:"take_profit,omitempty"`
	Sector      string `json:"sector"`
}

// Constraints tell the model what the risk gate will allow anyway.
type Constraints struct {
	MaxNewEntries        int      `json:"max_new_entries"`
	MinConfidence        int      `json:"min_confidence"`
	MaxHoldingDays       int      `json:"max_holding_days"`
	AllowedSymbols       []string `json:"allowed_symbols"`
	SectorsAtLimit       []string `json:"sectors_at_limit,omitempty"`
	EntriesBlockedReason string   `json:"entries_blocked_reason,omitempty"`
}
