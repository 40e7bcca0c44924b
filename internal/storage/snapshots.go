package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/smilior/alpaca-trading/internal/models"

	"gorm.io/gorm"
)

// UpsertDailySnapshot writes the snapshot for its date, replacing an earlier one.
func (s *Store) UpsertDailySnapshot(ctx context.Context, snap *models.DailySnapshot) error {
	return s.Transaction(ctx, func(tx *Store) error {
		var existing models.DailySnapshot
		err := tx.db.WithContext(ctx).Where("date = ?", snap.Date).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.db.WithContext(ctx).Create(snap).Error
		}
		if err != nil {
			return err
		}
		snap.ID = existing.ID
		snap.CreatedAt = existing.CreatedAt
		return tx.db.WithContext(ctx).Save(snap).Error
	})
}

// LatestSnapshot returns the most recent daily snapshot, or nil.
func (s *Store) LatestSnapshot(ctx context.Context) (*models.DailySnapshot, error) {
	var snap models.DailySnapshot
	err := s.db.WithContext(ctx).Order("date DESC").Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PeakEquity returns the highest archived equity, or ok=false with no history.
func (s *Store) PeakEquity(ctx context.Context) (peak float64, ok bool, err error) {
	var v sql.NullFloat64
	row := s.db.WithContext(ctx).Raw("SELECT MAX(MAX(total_equity), COALESCE(MAX(high_water_mark), 0)) FROM daily_snapshots").Row()
	if err = row.Scan(&v); err != nil || !v.Valid {
		return 0, false, err
	}
	return v.Float64, true, nil
}
