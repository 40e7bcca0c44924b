package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrPositionClosed is returned when a mutation targets a closed position.
var ErrPositionClosed = errors.New("position is closed")

// OpenPositions returns every open position ordered by symbol.
func (s *Store) OpenPositions(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	err := s.db.WithContext(ctx).
		Where("status = ?", models.StatusOpen).
		Order("symbol").
		Find(&out).Error
	return out, err
}

// OpenPosition returns the open position for symbol, or nil.
func (s *Store) OpenPosition(ctx context.Context, symbol string) (*models.Position, error) {
	var p models.Position
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, models.StatusOpen).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPosition stores a new open position.
func (s *Store) InsertPosition(ctx context.Context, p *models.Position) error {
	if p.Qty.IsNegative() {
		return fmt.Errorf("position %s: negative quantity %s", p.Symbol, p.Qty)
	}
	if p.Status == "" {
		p.Status = models.StatusOpen
	}
	if p.Side == "" {
		p.Side = "long"
	}
	if p.Sector == "" {
		p.Sector = "Unknown"
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// UpdatePositionQty overwrites the quantity of an open position.
func (s *Store) UpdatePositionQty(ctx context.Context, id uint, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("position %d: negative quantity %s", id, qty)
	}
	return s.updateOpen(ctx, id, map[string]interface{}{"qty": qty})
}

// UpdateProtection records the protective order sub-state of a position.
func (s *Store) UpdateProtection(ctx context.Context, id uint, state, stopOrderID string) error {
	fields := map[string]interface{}{"protection_state": state}
	if stopOrderID != "" {
		fields["stop_order_id"] = stopOrderID
	}
	return s.updateOpen(ctx, id, fields)
}

// ClosePosition marks an open position closed. Closing an already closed
// position returns ErrPositionClosed and changes nothing.
func (s *Store) ClosePosition(ctx context.Context, id uint, price decimal.Decimal, day time.Time, reason string) error {
	fields := map[string]interface{}{
		"status":       models.StatusClosed,
		"close_date":   day.Format("2006-01-02"),
		"close_reason": reason,
	}
	if price.IsPositive() {
		fields["close_price"] = price
	}
	return s.updateOpen(ctx, id, fields)
}

func (s *Store) updateOpen(ctx context.Context, id uint, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Position{}).
		Where("id = ? AND status = ?", id, models.StatusOpen).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("position %d: %w", id, ErrPositionClosed)
	}
	return nil
}

// CountEntriesOn counts positions the agent opened on day.
func (s *Store) CountEntriesOn(ctx context.Context, day time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Position{}).
		Where("entry_date = ? AND provenance = ?", day.Format("2006-01-02"), models.ProvenanceAgent).
		Count(&n).Error
	return n, err
}

// TradeByClientID returns the order intent with the given client order id, or nil.
func (s *Store) TradeByClientID(ctx context.Context, clientOrderID string) (*models.Trade, error) {
	var t models.Trade
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTrade inserts or updates an order intent.
func (s *Store) SaveTrade(ctx context.Context, t *models.Trade) error {
	if t.ID == 0 {
		return s.db.WithContext(ctx).Create(t).Error
	}
	return s.db.WithContext(ctx).Save(t).Error
}

// UnsettledTrades returns intents whose broker order had not reached a final
// state when last checked.
func (s *Store) UnsettledTrades(ctx context.Context) ([]models.Trade, error) {
	var out []models.Trade
	err := s.db.WithContext(ctx).
		Where("state = ?", models.OrderSubmitted).
		Order("id").
		Find(&out).Error
	return out, err
}
