//go:build integration

package alpaca

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func setupProvider(t *testing.T) *Provider {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	url := os.Getenv("TEST_APCA_API_BASE_URL")

	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}
	if url == "" {
		url = "https://paper-api.alpaca.markets"
	}
	if !strings.Contains(url, "paper") {
		t.Fatalf("Refusing to run against %s: not a paper endpoint", url)
	}
	return NewProvider(Options{APIKey: key, APISecret: secret, BaseURL: url})
}

func TestIntegration_AccountAndCalendar(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	acct, err := p.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !acct.Equity.IsPositive() {
		t.Errorf("Expected positive equity, got %s", acct.Equity)
	}

	// 2025-01-01 is a market holiday, 2025-01-02 a session.
	holiday, err := p.IsTradingDay(ctx, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsTradingDay failed: %v", err)
	}
	session, err := p.IsTradingDay(ctx, time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("IsTradingDay failed: %v", err)
	}
	if holiday || !session {
		t.Errorf("Expected holiday=false session=true, got %v %v", holiday, session)
	}
}

func TestIntegration_DailyBarsFeedIndicators(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()

	bars, err := p.DailyBars(ctx, "SPY", 60)
	if err != nil {
		t.Fatalf("DailyBars failed: %v", err)
	}
	if len(bars) < 51 {
		t.Fatalf("Expected at least 51 bars, got %d", len(bars))
	}
	d := market.Indicators("SPY", bars)
	if d == nil || d.ATR14 <= 0 || d.MA50 <= 0 {
		t.Errorf("Expected usable indicators, got %+v", d)
	}
}

func TestIntegration_BracketOrderAndDuplicateClientID(t *testing.T) {
	p := setupProvider(t)
	ctx := context.Background()
	ticker := "AAPL"

	prices, err := p.LatestPrices(ctx, []string{ticker})
	if err != nil || !prices[ticker].IsPositive() {
		t.Fatalf("Failed to get price: %v", err)
	}
	price := prices[ticker]

	// A limit far under the market rests, so nothing is bought.
	entry := price.Mul(decimal.NewFromFloat(0.5)).Round(2)
	stop := entry.Mul(decimal.NewFromFloat(0.9)).Round(2)
	tp := entry.Mul(decimal.NewFromFloat(1.2)).Round(2)
	cid := fmt.Sprintf("itest_%s_buy_%s", ticker, uuid.NewString()[:8])

	req := models.OrderRequest{
		Symbol:        ticker,
		Qty:           decimal.NewFromInt(1),
		Side:          "buy",
		Type:          "limit",
		LimitPrice:    entry,
		ClientOrderID: cid,
		StopLoss:      &models.StopLeg{StopPrice: stop, LimitPrice: stop.Mul(decimal.NewFromFloat(0.99)).Round(2)},
		TakeProfit:    &tp,
	}
	order, err := p.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	defer p.CancelOrder(ctx, order.ID)
	t.Logf("Placed Order %s (%s)", order.ID, cid)

	fetched, err := p.GetOrderByClientID(ctx, cid)
	if err != nil {
		t.Fatalf("GetOrderByClientID failed: %v", err)
	}
	if fetched.ID != order.ID || fetched.Symbol != ticker {
		t.Errorf("Expected order %s for %s, got %s for %s", order.ID, ticker, fetched.ID, fetched.Symbol)
	}
	if fetched.OrderClass != "bracket" {
		t.Errorf("Expected bracket order class, got %q", fetched.OrderClass)
	}

	if _, err := p.PlaceOrder(ctx, req); !errors.Is(err, market.ErrDuplicateClientOrderID) {
		t.Errorf("Expected ErrDuplicateClientOrderID on resubmission, got %v", err)
	}
}
