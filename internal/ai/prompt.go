package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"
)

// DefaultSystemInstruction describes the only response shape the validator accepts.
const DefaultSystemInstruction = `You are a disciplined swing-trading analyst for a long-only US equity paper account.
You receive the portfolio, open positions, per-symbol indicators and the risk constraints as JSON.
Respond with ONE JSON object and nothing else:
{
  "macro_regime": "bull" | "range" | "bear",
  "decisions": [
    {
      "symbol": "AAPL",
      "action": "buy" | "sell" | "hold" | "no_action",
      "sentiment_analysis": {"overall": "positive" | "negative" | "neutral", "confidence": 0-100 integer},
      "reasoning_structured": {"bull_case": "...", "bear_case": "...", "catalyst": "...", "expected_holding_days": integer},
      "trade_parameters": {"suggested_entry_price": number, "calculated_stop_loss": number, "calculated_take_profit": number}
    }
  ]
}
Only propose "buy" for symbols in allowed_symbols whose failed_filters is empty.
Use "sell" only for symbols listed in positions. Prefer "no_action" when unsure.`

// LoadSystemInstruction reads the instruction from path, or returns the
// default when path is empty or missing.
func LoadSystemInstruction(path string) string {
	if path == "" {
		return DefaultSystemInstruction
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: prompt file %s not found, using built-in instruction", path)
		return DefaultSystemInstruction
	}
	if err != nil || len(b) == 0 {
		log.Printf("Warning: could not read prompt file %s (%v), using built-in instruction", path, err)
		return DefaultSystemInstruction
	}
	return string(b)
}

// PromptInput is everything the prompt is assembled from.
type PromptInput struct {
	Now          time.Time
	Mode         string
	Portfolio    *models.PortfolioSnapshot
	BreakerLevel int
	Positions    []models.Position
	Market       *market.Snapshot
	Constraints  Constraints
}

// BuildPrompt renders in as the user message.
func BuildPrompt(in PromptInput) (string, error) {
	if in.Portfolio == nil {
		return "", fmt.Errorf("portfolio snapshot is required")
	}
	p := PromptPayload{
		Timestamp: in.Now.In(config.MarketLoc).Format(time.RFC3339),
		Mode:      in.Mode,
		Portfolio: PortfolioView{
			Equity:        in.Portfolio.Equity.StringFixed(2),
			Cash:          in.Portfolio.Cash.StringFixed(2),
			BuyingPower:   in.Portfolio.BuyingPower.StringFixed(2),
			DrawdownPct:   round2(in.Portfolio.DrawdownPct),
			DailyPnLPct:   round2(in.Portfolio.DailyPnLPct),
			BreakerLevel:  in.BreakerLevel,
			OpenPositions: len(in.Positions),
		},
		Positions:   make([]PositionView, 0, len(in.Positions)),
		Constraints: in.Constraints,
	}
	for _, pos := range in.Positions {
		v := PositionView{
			Symbol:      pos.Symbol,
			Qty:         pos.Qty.String(),
			EntryPrice:  pos.EntryPrice.StringFixed(2),
			EntryDate:   pos.EntryDate,
			HoldingDays: pos.HoldingDays(in.Now.In(config.MarketLoc)),
			Sector:      pos.Sector,
		}
		if pos.StopLoss.Valid {
			v.StopLoss = pos.StopLoss.Decimal.StringFixed(2)
		}
		if pos.TakeProfit.Valid {
			v.TakeProfit = pos.TakeProfit.Decimal.StringFixed(2)
		}
		p.Positions = append(p.Positions, v)
	}
	if in.Market != nil {
		p.Market = in.Market.Symbols
		p.VIX = in.Market.VIX
	}

	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", err
	}
	return "Analyze this portfolio state and market data:\n" + string(b), nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
