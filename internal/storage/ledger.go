package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"gorm.io/gorm"
)

// ErrAlreadyCompleted is returned by StartExecution when the logical id has
// already finished successfully.
var ErrAlreadyCompleted = errors.New("execution already completed")

// LogicalID is the deterministic identity of a cycle: "<date>_<mode>".
func LogicalID(mode string, day time.Time) string {
	return day.Format("2006-01-02") + "_" + mode
}

// Execution returns the record for a logical id, or nil when none exists.
func (s *Store) Execution(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsCompleted reports whether the logical id already finished with status success.
func (s *Store) IsCompleted(ctx context.Context, executionID string) (bool, error) {
	rec, err := s.Execution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == models.ExecSuccess, nil
}

// StartExecution records a running attempt for the logical id. An earlier
// running, error or skipped row is taken over by the new attempt.
func (s *Store) StartExecution(ctx context.Context, executionID, mode, attemptID string, now time.Time) error {
	return s.Transaction(ctx, func(tx *Store) error {
		rec, err := tx.Execution(ctx, executionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return tx.db.WithContext(ctx).Create(&models.ExecutionRecord{
				ExecutionID: executionID,
				Mode:        mode,
				AttemptID:   attemptID,
				Status:      models.ExecRunning,
				StartedAt:   now,
			}).Error
		}
		if rec.Status == models.ExecSuccess {
			return ErrAlreadyCompleted
		}
		return tx.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"attempt_id":    attemptID,
				"status":        models.ExecRunning,
				"started_at":    now,
				"completed_at":  nil,
				"error_message": "",
			}).Error
	})
}

// MarkCompleted sets status success. Call it on the cycle's transactional
// Store so completion commits together with every other mutation.
func (s *Store) MarkCompleted(ctx context.Context, executionID, decisionsJSON, llmModel string, elapsed time.Duration, now time.Time) error {
	return s.finish(ctx, executionID, map[string]interface{}{
		"status":            models.ExecSuccess,
		"completed_at":      now,
		"decisions_json":    decisionsJSON,
		"llm_model":         llmModel,
		"execution_time_ms": elapsed.Milliseconds(),
	})
}

// MarkFinished records a terminal non-success status (error or skipped).
func (s *Store) MarkFinished(ctx context.Context, executionID, status, errMsg string, elapsed time.Duration, now time.Time) error {
	if status == models.ExecSuccess || status == models.ExecRunning {
		return fmt.Errorf("MarkFinished does not accept status %q", status)
	}
	return s.finish(ctx, executionID, map[string]interface{}{
		"status":            status,
		"completed_at":      now,
		"error_message":     errMsg,
		"execution_time_ms": elapsed.Milliseconds(),
	})
}

func (s *Store) finish(ctx context.Context, executionID string, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("execution_id = ?", executionID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no execution record for %s", executionID)
	}
	return nil
}

// modeHealthCheck runs are not trading cycles and never count as progress.
const modeHealthCheck = "health-check"

// LastSuccess returns the most recent successful trading cycle, or nil.
func (s *Store) LastSuccess(ctx context.Context) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND mode <> ?", models.ExecSuccess, modeHealthCheck).
		Order("completed_at DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecentDecisions returns the decision payloads of the latest successful
// cycles that stored any, newest first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("status = ? AND decisions_json <> ''", models.ExecSuccess).
		Order("completed_at DESC").
		Limit(limit).
		Pluck("decisions_json", &out).Error
	return out, err
}

// CountErrorsSince counts executions that ended in error after since.
func (s *Store) CountErrorsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("status = ? AND started_at >= ?", models.ExecError, since).
		Count(&n).Error
	return n, err
}
