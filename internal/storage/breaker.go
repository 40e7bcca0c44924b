package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"gorm.io/gorm"
)

// ActiveBreaker returns the newest unresolved breaker event, or nil.
func (s *Store) ActiveBreaker(ctx context.Context) (*models.CircuitBreakerEvent, error) {
	var ev models.CircuitBreakerEvent
	err := s.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("level DESC, triggered_at DESC").
		Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// RecordBreaker stores a new activation.
func (s *Store) RecordBreaker(ctx context.Context, ev *models.CircuitBreakerEvent) error {
	if ev.Level < 1 || ev.Level > 4 {
		return fmt.Errorf("breaker level %d out of range", ev.Level)
	}
	return s.db.WithContext(ctx).Create(ev).Error
}

// ResolveBreaker clears an activation with an explicit note.
func (s *Store) ResolveBreaker(ctx context.Context, id uint, note string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.CircuitBreakerEvent{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{"resolved_at": now, "resolution_note": note})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("breaker event %d is not active", id)
	}
	return nil
}
