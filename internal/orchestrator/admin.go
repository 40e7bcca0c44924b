package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/smilior/alpaca-trading/internal/health"
	"github.com/smilior/alpaca-trading/internal/lock"
	"github.com/smilior/alpaca-trading/internal/logger"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/risk"
)

// HealthCheck runs every check and records the run under a timestamped id.
// It takes no lock and skips the ledger's replay protection.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*health.Report, error) {
	start := o.now()
	id := start.UTC().Format("2006-01-02T15:04:05") + "_" + ModeHealth
	logger.SetExecutionID(id)
	defer logger.ClearExecutionID()

	if err := o.store.StartExecution(ctx, id, ModeHealth, o.attemptID(), start); err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}

	report := o.health.Run(ctx, start)
	log.Println(report.Summary())

	now := o.now()
	if report.AllOK() {
		if err := o.store.MarkCompleted(ctx, id, "", "", now.Sub(start), now); err != nil {
			return report, err
		}
		return report, nil
	}

	var failed []string
	for _, r := range report.Failed() {
		failed = append(failed, fmt.Sprintf("%s: %s", r.Name, r.Message))
	}
	msg := strings.Join(failed, "; ")
	o.alert(ctx, models.SeverityError, "❌ Health check failed\n"+strings.Join(failed, "\n"))
	if err := o.store.MarkFinished(ctx, id, models.ExecError, msg, now.Sub(start), now); err != nil {
		return report, err
	}
	return report, nil
}

// ResolveBreaker clears every active breaker level with an operator note.
// It holds the process lock so no cycle evaluates the breaker meanwhile.
func (o *Orchestrator) ResolveBreaker(ctx context.Context, note string) (int, error) {
	if err := o.lock.TryAcquire(ctx); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return 0, fmt.Errorf("a cycle is running, retry later: %w", err)
		}
		return 0, err
	}
	defer o.lock.Release(context.WithoutCancel(ctx))

	n, err := risk.Resolve(ctx, o.store, note, o.now())
	if err != nil {
		return n, err
	}
	if n > 0 {
		o.alert(ctx, models.SeverityWarn, fmt.Sprintf("🔓 Circuit breaker cleared by operator (%d level(s)): %s", n, note))
	}
	return n, nil
}
