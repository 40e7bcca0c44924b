package risk

import (
	"math"
	"sort"

	"github.com/smilior/alpaca-trading/internal/config"
)

const minCorrelationSamples = 20

// SectorLimit is the number of open positions a sector may hold.
func SectorLimit(sector string) int {
	if sector == "Technology" {
		return 3
	}
	return 2
}

// SectorCount counts held symbols in sector.
func SectorCount(sector string, held []string) int {
	n := 0
	for _, s := range held {
		if SectorOf(s) == sector {
			n++
		}
	}
	return n
}

// Correlation is the Pearson correlation of the common tail of a and b.
// ok is false when fewer than 20 samples overlap.
func Correlation(a, b []float64) (corr float64, ok bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minCorrelationSamples {
		return 0, false
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}

// MostCorrelated returns the held symbol whose returns correlate most with
// candidate.
func MostCorrelated(candidate string, held []string, returns map[string][]float64) (symbol string, corr float64) {
	cr, ok := returns[candidate]
	if !ok {
		return "", 0
	}
	sorted := append([]string(nil), held...)
	sort.Strings(sorted)
	for _, h := range sorted {
		if h == candidate {
			continue
		}
		c, ok := Correlation(cr, returns[h])
		if ok && c > corr {
			symbol, corr = h, c
		}
	}
	return symbol, corr
}

// VixRegime names a volatility band.
type VixRegime string

const (
	VixLow      VixRegime = "low"
	VixElevated VixRegime = "elevated"
	VixExtreme  VixRegime = "extreme"
)

// ClassifyVIX maps an index level to its band. An unknown level counts as elevated.
func ClassifyVIX(vix *float64, m config.MacroConfig) VixRegime {
	switch {
	case vix == nil:
		return VixElevated
	case *vix >= m.VixExtreme:
		return VixExtreme
	case *vix >= m.VixElevated:
		return VixElevated
	}
	return VixLow
}

// MaxPositionsForVIX caps the number of open positions by regime.
func MaxPositionsForVIX(r VixRegime) int {
	switch r {
	case VixLow:
		return 5
	case VixElevated:
		return 3
	}
	return 0
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
