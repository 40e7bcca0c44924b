package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"gorm.io/gorm"
)

// LogReconciliation writes one audit row per issue.
func (s *Store) LogReconciliation(ctx context.Context, executionID string, issues []models.ReconciliationIssue, autoFixed bool) error {
	if len(issues) == 0 {
		return nil
	}
	rows := make([]models.ReconciliationLog, 0, len(issues))
	for _, is := range issues {
		rows = append(rows, models.ReconciliationLog{
			ExecutionID: executionID,
			IssueType:   is.Kind,
			Symbol:      is.Symbol,
			Details:     is.Details,
			AutoFixed:   autoFixed,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// ReconciliationLogs returns the audit rows of one execution.
func (s *Store) ReconciliationLogs(ctx context.Context, executionID string) ([]models.ReconciliationLog, error) {
	var out []models.ReconciliationLog
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).Order("id").Find(&out).Error
	return out, err
}

// RecordMetrics stores the per-cycle samples.
func (s *Store) RecordMetrics(ctx context.Context, executionID string, values map[string]float64, now time.Time) error {
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	rows := make([]models.Metric, 0, len(values))
	for _, name := range names {
		rows = append(rows, models.Metric{
			Timestamp:   now,
			ExecutionID: executionID,
			MetricName:  name,
			MetricValue: values[name],
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// RecordParamChanges compares params with the last recorded value of each
// name and writes a strategy_params row for every difference.
func (s *Store) RecordParamChanges(ctx context.Context, params map[string]string, reason string, now time.Time) (int, error) {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	changed := 0
	for _, name := range names {
		var last models.StrategyParam
		err := s.db.WithContext(ctx).Where("param_name = ?", name).Order("id DESC").Take(&last).Error

		var old *string
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return changed, err
		default:
			if last.NewValue == params[name] {
				continue
			}
			v := last.NewValue
			old = &v
		}

		row := models.StrategyParam{
			ParamName: name,
			OldValue:  old,
			NewValue:  params[name],
			ChangedAt: now,
			Reason:    reason,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
