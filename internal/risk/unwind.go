package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
)

// Unwind score weights.
const (
	weightHolding   = 0.30
	weightStop      = 0.30
	weightSector    = 0.20
	weightSentiment = 0.20
)

// UnwindCandidate is an open position with its current price and, when the
// model re-assessed it this cycle, its latest confidence.
type UnwindCandidate struct {
	Position         models.Position
	Price            decimal.Decimal
	LatestConfidence *int
}

// UnwindScore explains why a position ranks where it does.
type UnwindScore struct {
	Symbol     string
	PositionID uint
	Holding    float64 // share of the holding period used
	Stop       float64 // how far price has travelled from entry toward the stop
	Sector     float64 // 1 when another open position shares the sector
	Sentiment  float64 // confidence lost since entry
	Total      float64
}

func (s UnwindScore) String() string {
	return fmt.Sprintf("%s total=%.3f holding=%.2f stop=%.2f sector=%.0f sentiment=%.2f",
		s.Symbol, s.Total, s.Holding, s.Stop, s.Sector, s.Sentiment)
}

// RankForUnwind scores every candidate, highest first. Ties fall back to
// symbol order so the ranking is reproducible.
func RankForUnwind(cands []UnwindCandidate, timeStopDays int, now time.Time) []UnwindScore {
	sectors := map[string]int{}
	for _, c := range cands {
		sectors[sectorOfPosition(c.Position)]++
	}

	out := make([]UnwindScore, 0, len(cands))
	for _, c := range cands {
		s := UnwindScore{Symbol: c.Position.Symbol, PositionID: c.Position.ID}

		if timeStopDays > 0 {
			s.Holding = clamp01(float64(c.Position.HoldingDays(now)) / float64(timeStopDays))
		}

		if c.Position.StopLoss.Valid && c.Price.IsPositive() {
			entry := c.Position.EntryPrice.InexactFloat64()
			stop := c.Position.StopLoss.Decimal.InexactFloat64()
			price := c.Price.InexactFloat64()
			if entry > stop {
				s.Stop = clamp01((entry - price) / (entry - stop))
			}
		}

		if sectors[sectorOfPosition(c.Position)] > 1 {
			s.Sector = 1
		}

		if c.Position.SentimentScore != nil && c.LatestConfidence != nil {
			s.Sentiment = clamp01(float64(*c.Position.SentimentScore-*c.LatestConfidence) / 100)
		}

		s.Total = weightHolding*s.Holding + weightStop*s.Stop + weightSector*s.Sector + weightSentiment*s.Sentiment
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// SelectUnwind returns the positions to close so that at most target remain.
func SelectUnwind(cands []UnwindCandidate, target, timeStopDays int, now time.Time) []UnwindScore {
	if target < 0 || len(cands) <= target {
		return nil
	}
	ranked := RankForUnwind(cands, timeStopDays, now)
	return ranked[:len(cands)-target]
}

func sectorOfPosition(p models.Position) string {
	if p.Sector != "" && p.Sector != SectorUnknown {
		return p.Sector
	}
	return SectorOf(p.Symbol)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
