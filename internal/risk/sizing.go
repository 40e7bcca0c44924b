package risk

import (
	"github.com/shopspring/decimal"
)

// Binding caps recorded with every sizing.
const (
	CapRiskBudget     = "risk_budget"
	CapSizeMultiplier = "breaker_size_multiplier"
	CapPositionValue  = "max_position_value"
	CapPositionCount  = "position_count"
	CapInvalidStop    = "invalid_stop"
)

var hundred = decimal.NewFromInt(100)

// SizingInput describes one prospective entry.
type SizingInput struct {
	Capital        decimal.Decimal
	Entry          decimal.Decimal
	Stop           decimal.Decimal
	RiskPct        float64 // max risk per trade, percent of capital
	SlippageFactor float64 // widens the stop distance; 1.0 means none
	MaxPositionPct float64 // 0 disables the value cap
	SizeMultiplier float64 // breaker scaling, 1.0 means none
	// RemainingSlots gates sizing to zero when no position slot is left.
	// Capital is not divided across slots: each entry is bounded by its own
	// risk budget and MaxPositionPct, so a full book of MaxPositionPct-sized
	// positions can reach at most slots × MaxPositionPct of capital.
	RemainingSlots int
}

// Sizing is the result with the cap that bound it.
type Sizing struct {
	Qty         int64
	RiskQty     int64
	ValueCapQty int64
	BindingCap  string
}

// Size returns floor(capital × risk% / (|entry − stop| × slippage)), then
// applies the breaker multiplier, the position value cap and the count
// budget. The most conservative of these is reported as BindingCap.
func Size(in SizingInput) Sizing {
	slip := in.SlippageFactor
	if slip <= 0 {
		slip = 1.0
	}
	perShare := in.Entry.Sub(in.Stop).Abs().Mul(decimal.NewFromFloat(slip))
	if !in.Entry.IsPositive() || !perShare.IsPositive() || !in.Capital.IsPositive() {
		return Sizing{BindingCap: CapInvalidStop}
	}
	if in.RemainingSlots <= 0 {
		return Sizing{BindingCap: CapPositionCount}
	}

	budget := in.Capital.Mul(decimal.NewFromFloat(in.RiskPct)).Div(hundred)
	riskQty := budget.Div(perShare).Floor().IntPart()
	out := Sizing{Qty: riskQty, RiskQty: riskQty, BindingCap: CapRiskBudget}

	if in.SizeMultiplier > 0 && in.SizeMultiplier < 1 {
		scaled := decimal.NewFromInt(riskQty).Mul(decimal.NewFromFloat(in.SizeMultiplier)).Floor().IntPart()
		out.Qty = scaled
		out.BindingCap = CapSizeMultiplier
	}

	if in.MaxPositionPct > 0 {
		maxValue := in.Capital.Mul(decimal.NewFromFloat(in.MaxPositionPct)).Div(hundred)
		out.ValueCapQty = maxValue.Div(in.Entry).Floor().IntPart()
		if out.ValueCapQty < out.Qty {
			out.Qty = out.ValueCapQty
			out.BindingCap = CapPositionValue
		}
	}

	if out.Qty < 0 {
		out.Qty = 0
	}
	return out
}
