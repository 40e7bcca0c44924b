package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"
)

// ErrExhausted is returned when every attempt failed to yield a payload.
var ErrExhausted = errors.New("decision retries exhausted")

// Engine is the reasoning engine: one prompt in, free-form text out.
type Engine interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, sev models.Severity, msg string)
}

// Analyzer asks the engine for decisions and validates the answer.
type Analyzer struct {
	engine     Engine
	alerts     Alerter
	maxRetries int
	timeout    time.Duration
}

// NewAnalyzer builds an analyzer that makes at most 1+maxRetries engine
// calls, each bounded by timeout.
func NewAnalyzer(engine Engine, alerts Alerter, maxRetries int, timeout time.Duration) *Analyzer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 2 {
		maxRetries = 2
	}
	return &Analyzer{engine: engine, alerts: alerts, maxRetries: maxRetries, timeout: timeout}
}

// Model names the engine model for the execution record.
func (a *Analyzer) Model() string { return a.engine.Model() }

// Analyze returns a validated batch. Parse failures and timeouts are retried;
// once the attempts are used up it returns an empty batch with ErrExhausted
// and raises one alert. A salvaged batch is returned as is, without retrying.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) (*Batch, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Batch{Decisions: []TradingDecision{}}, err
		}

		raw, err := a.complete(ctx, prompt)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ [VALIDATOR] engine call failed (attempt %d/%d): %v", attempt+1, a.maxRetries+1, err)
			continue
		}

		batch, err := Validate(raw)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ [VALIDATOR] unusable response (attempt %d/%d): %v: %s", attempt+1, a.maxRetries+1, err, preview(raw))
			continue
		}
		log.Printf("✅ [VALIDATOR] %d decision(s) accepted (sanitized=%v)", len(batch.Decisions), batch.Sanitized)
		return batch, nil
	}

	msg := fmt.Sprintf("Decision validation exhausted after %d attempts: %v. No trades this cycle.", a.maxRetries+1, lastErr)
	log.Printf("🚨 [VALIDATOR] %s", msg)
	if a.alerts != nil {
		a.alerts.Alert(ctx, models.SeverityError, msg)
	}
	return &Batch{Decisions: []TradingDecision{}}, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (string, error) {
	if a.timeout <= 0 {
		return a.engine.Complete(ctx, prompt)
	}
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.engine.Complete(cctx, prompt)
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
