package risk

// SectorUnknown is the sector of symbols outside the universe.
const SectorUnknown = "Unknown"

// universe is the tradable set: liquid S&P 500 large caps spread over sectors.
var universe = []struct {
	Symbol string
	Sector string
}{
	{"AAPL", "Technology"},
	{"MSFT", "Technology"},
	{"NVDA", "Technology"},
	{"GOOGL", "Technology"},
	{"META", "Technology"},
	{"AVGO", "Technology"},
	{"UNH", "Healthcare"},
	{"JNJ", "Healthcare"},
	{"LLY", "Healthcare"},
	{"JPM", "Financials"},
	{"V", "Financials"},
	{"MA", "Financials"},
	{"AMZN", "Consumer Discretionary"},
	{"TSLA", "Consumer Discretionary"},
	{"HD", "Consumer Discretionary"},
	{"NFLX", "Communication Services"},
	{"DIS", "Communication Services"},
	{"CAT", "Industrials"},
	{"GE", "Industrials"},
	{"UNP", "Industrials"},
	{"PG", "Consumer Staples"},
	{"KO", "Consumer Staples"},
	{"PEP", "Consumer Staples"},
	{"XOM", "Energy"},
	{"CVX", "Energy"},
	{"NEE", "Utilities"},
	{"SO", "Utilities"},
	{"PLD", "Real Estate"},
	{"LIN", "Materials"},
	{"APD", "Materials"},
}

var sectorBySymbol = func() map[string]string {
	m := make(map[string]string, len(universe))
	for _, u := range universe {
		m[u.Symbol] = u.Sector
	}
	return m
}()

// Universe returns the tradable symbols in a stable order.
func Universe() []string {
	out := make([]string, 0, len(universe))
	for _, u := range universe {
		out = append(out, u.Symbol)
	}
	return out
}

// SectorOf returns the sector of symbol, or SectorUnknown.
func SectorOf(symbol string) string {
	if s, ok := sectorBySymbol[symbol]; ok {
		return s
	}
	return SectorUnknown
}

// InUniverse reports whether symbol may be traded.
func InUniverse(symbol string) bool {
	_, ok := sectorBySymbol[symbol]
	return ok
}
