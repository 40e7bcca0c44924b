package market

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"
)

const (
	maPeriod     = 50
	rsiPeriod    = 14
	atrPeriod    = 14
	volumePeriod = 20
	// Enough history for the 50-day average plus one prior close.
	lookbackBars = 60
)

// SymbolData is the per-symbol indicator set handed to the model and the risk gate.
type SymbolData struct {
	Symbol        string    `json:"symbol"`
	Close         float64   `json:"close"`
	Volume        int64     `json:"volume"`
	MA50          float64   `json:"ma_50"`
	RSI14         float64   `json:"rsi_14"`
	ATR14         float64   `json:"atr_14"`
	VolumeRatio20 float64   `json:"volume_ratio_20d"`
	FailedFilters []string  `json:"failed_filters,omitempty"`
	Returns       []float64 `json:"-"` // daily close-to-close returns, oldest first
}

// PassesFilters reports whether the technical entry filters all held.
func (d SymbolData) PassesFilters() bool { return len(d.FailedFilters) == 0 }

// Snapshot is the read-only market view for one cycle.
type Snapshot struct {
	TakenAt time.Time              `json:"taken_at"`
	Symbols map[string]*SymbolData `json:"symbols"`
	VIX     *float64               `json:"vix,omitempty"` // nil when no volatility index source is configured
}

// Returns exposes the daily returns of every symbol for correlation checks.
func (s *Snapshot) Returns() map[string][]float64 {
	out := make(map[string][]float64, len(s.Symbols))
	for sym, d := range s.Symbols {
		out[sym] = d.Returns
	}
	return out
}

// BuildSnapshot fetches bars for every symbol and computes the indicators.
// Symbols with too little history are logged and left out.
func BuildSnapshot(ctx context.Context, data DataProvider, symbols []string, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: now, Symbols: make(map[string]*SymbolData, len(symbols))}
	for _, sym := range symbols {
		bars, err := data.DailyBars(ctx, sym, lookbackBars)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("⚠️ [MARKET] bars for %s unavailable: %v", sym, err)
			continue
		}
		d := Indicators(sym, bars)
		if d == nil {
			log.Printf("⚠️ [MARKET] not enough history for %s (%d bars)", sym, len(bars))
			continue
		}
		snap.Symbols[sym] = d
	}
	return snap, nil
}

// Indicators computes the latest indicator values from daily bars, oldest
// first. It returns nil when the history is shorter than the longest window.
func Indicators(symbol string, bars []models.Bar) *SymbolData {
	if len(bars) < maPeriod+1 {
		return nil
	}
	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		vols[i] = float64(b.Volume)
	}

	d := &SymbolData{
		Symbol:        symbol,
		Close:         closes[n-1],
		Volume:        bars[n-1].Volume,
		MA50:          mean(closes[n-maPeriod:]),
		RSI14:         RSI(closes, rsiPeriod),
		ATR14:         ATR(highs, lows, closes, atrPeriod),
		VolumeRatio20: volumeRatio(vols, volumePeriod),
	}
	for i := 1; i < n; i++ {
		if closes[i-1] != 0 {
			d.Returns = append(d.Returns, closes[i]/closes[i-1]-1)
		}
	}

	if d.Close <= d.MA50 {
		d.FailedFilters = append(d.FailedFilters, "price_below_ma50")
	}
	if d.RSI14 >= 70 {
		d.FailedFilters = append(d.FailedFilters, "rsi_overbought")
	}
	if d.RSI14 <= 30 {
		d.FailedFilters = append(d.FailedFilters, "rsi_oversold")
	}
	return d
}

// ATR is the simple average of the last period true ranges.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		sum += tr
	}
	return sum / float64(period)
}

// RSI uses simple averages of gains and losses over the last period changes.
func RSI(closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return 50
	}
	var gain, loss float64
	for i := n - period; i < n; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

func volumeRatio(vols []float64, period int) float64 {
	n := len(vols)
	if n < period {
		return 0
	}
	avg := mean(vols[n-period:])
	if avg == 0 {
		return 0
	}
	return vols[n-1] / avg
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
