// Package orchestrator sequences one scheduled invocation: lock, ledger,
// reconciliation, risk, decisions and orders.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/decision"
	"github.com/smilior/alpaca-trading/internal/execution"
	"github.com/smilior/alpaca-trading/internal/health"
	"github.com/smilior/alpaca-trading/internal/lock"
	"github.com/smilior/alpaca-trading/internal/logger"
	"github.com/smilior/alpaca-trading/internal/market"
	"github.com/smilior/alpaca-trading/internal/metrics"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/reconcile"
	"github.com/smilior/alpaca-trading/internal/risk"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/google/uuid"
)

// Modes.
const (
	ModeEntry      = "entry-cycle"
	ModeMonitoring = "monitoring-cycle"
	ModeClose      = "close-cycle"
	ModeHealth     = "health-check"
)

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, sev models.Severity, msg string)
}

// Reporter delivers the plain close-of-day report.
type Reporter interface {
	Send(ctx context.Context, text string) error
}

// Deps are the collaborators of an Orchestrator. Engine, Reports and
// Metrics may be nil.
type Deps struct {
	Config  *config.Config
	Broker  market.Broker
	Data    market.DataProvider
	Store   *storage.Store
	Lock    lock.ProcessLock
	Alerts  Alerter
	Reports Reporter
	Engine  decision.Engine
	Metrics *metrics.Recorder
}

type Orchestrator struct {
	cfg     *config.Config
	broker  market.Broker
	data    market.DataProvider
	store   *storage.Store
	lock    lock.ProcessLock
	alerts  Alerter
	reports Reporter
	metrics *metrics.Recorder

	analyzer   *decision.Analyzer
	reconciler *reconcile.Reconciler
	executor   *execution.Executor
	breaker    *risk.Breaker
	gate       *risk.Gate
	health     *health.Checker

	now       func() time.Time
	attemptID func() string
}

func New(d Deps) *Orchestrator {
	cfg := d.Config
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	o := &Orchestrator{
		cfg:        cfg,
		broker:     d.Broker,
		data:       d.Data,
		store:      d.Store,
		lock:       d.Lock,
		alerts:     d.Alerts,
		reports:    d.Reports,
		metrics:    d.Metrics,
		reconciler: reconcile.New(d.Broker, d.Alerts, reconcile.OptionsFrom(cfg)),
		executor: execution.New(d.Broker, d.Alerts, execution.Options{
			FillTimeout: time.Duration(cfg.System.FillTimeoutSeconds) * time.Second,
			PaperGuard:  cfg.PaperGuard,
		}),
		breaker:   risk.NewBreaker(cfg),
		gate:      risk.NewGate(cfg),
		health:    health.NewChecker(cfg, d.Broker, d.Store),
		now:       time.Now,
		attemptID: uuid.NewString,
	}
	if d.Engine != nil {
		o.analyzer = decision.NewAnalyzer(d.Engine, d.Alerts, cfg.System.LLMMaxRetries,
			time.Duration(cfg.System.LLMTimeoutSeconds)*time.Second)
	}
	return o
}

// Result is how an invocation ended. Status is an execution record status.
type Result struct {
	ExecutionID string
	Mode        string
	Status      string
	Reason      string
	Elapsed     time.Duration
}

// cycle carries the state of one logical execution through its stages.
type cycle struct {
	id    string
	mode  string
	start time.Time
	now   time.Time
	day   time.Time // in config.MarketLoc
	tx    *storage.Store

	broker         []models.BrokerPosition
	brokerRead     bool
	portfolio      *models.PortfolioSnapshot
	positions      []models.Position // open and reconciled
	drift          map[string]string // symbol to issue kind left unapplied
	drifted        []models.Position // open local positions under drift
	breaker        *risk.BreakerStatus
	entriesBlocked string
	batch          *decision.Batch
	llmModel       string
}

func validMode(mode string) bool {
	switch mode {
	case ModeEntry, ModeMonitoring, ModeClose:
		return true
	}
	return false
}

func (o *Orchestrator) alert(ctx context.Context, sev models.Severity, msg string) {
	if o.alerts != nil {
		o.alerts.Alert(ctx, sev, msg)
	}
}

// Run executes one cycle of mode. The returned error is reserved for
// failures of the lock resource or the database itself; a cycle that
// failed is recorded, alerted and reported through Result.Status.
func (o *Orchestrator) Run(ctx context.Context, mode string) (*Result, error) {
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	start := o.now()
	day := start.In(config.MarketLoc)
	id := storage.LogicalID(mode, day)
	res := &Result{ExecutionID: id, Mode: mode}

	if err := o.lock.TryAcquire(ctx); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Printf("🔒 Another instance is running, skipping %s", id)
			res.Status = models.ExecSkipped
			res.Reason = "lock held by another instance"
			return res, nil
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := o.lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("⚠️ Lock release failed: %v", err)
		}
	}()

	logger.SetExecutionID(id)
	defer logger.ClearExecutionID()

	done, err := o.store.IsCompleted(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check ledger: %w", err)
	}
	if done {
		log.Printf("ℹ️ Execution %s already completed, nothing to do", id)
		res.Status = models.ExecSuccess
		res.Reason = "already completed"
		return res, nil
	}
	if err := o.store.StartExecution(ctx, id, mode, o.attemptID(), start); err != nil {
		if errors.Is(err, storage.ErrAlreadyCompleted) {
			res.Status = models.ExecSuccess
			res.Reason = "already completed"
			return res, nil
		}
		return nil, fmt.Errorf("start execution: %w", err)
	}
	log.Printf("▶️ Starting %s", id)
	o.metrics.BeginCycle()

	c := &cycle{id: id, mode: mode, start: start, now: start, day: day}

	open, err := o.broker.IsTradingDay(ctx, day)
	if err != nil {
		return o.fail(ctx, res, c, fmt.Errorf("market calendar: %w", err))
	}
	if !open {
		log.Printf("📅 %s is not a trading day, skipping", day.Format("2006-01-02"))
		return o.finish(ctx, res, c, models.ExecSkipped, "market closed")
	}

	err = o.store.Transaction(ctx, func(tx *storage.Store) error {
		c.tx = tx
		return o.runCycle(ctx, c)
	})
	c.tx = nil
	if err != nil {
		return o.fail(ctx, res, c, err)
	}

	if mode == ModeClose {
		o.afterClose(ctx, c)
	}
	res.Status = models.ExecSuccess
	res.Elapsed = o.now().Sub(start)
	o.metrics.Cycle(mode, models.ExecSuccess, res.Elapsed, o.now())
	o.exportMetrics()
	log.Printf("✅ %s completed in %s", id, res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// runCycle is the all-or-nothing part of a cycle. Every write goes through
// c.tx and commits together with the completion record.
func (o *Orchestrator) runCycle(ctx context.Context, c *cycle) error {
	if n, err := o.executor.SyncTrades(ctx, c.tx, c.now); err != nil {
		return fmt.Errorf("order sync: %w", err)
	} else if n > 0 {
		log.Printf("🔄 [ORDER] settled %d deferred order(s)", n)
	}
	if err := o.reconcile(ctx, c); err != nil {
		return err
	}
	if err := o.snapshotPortfolio(ctx, c); err != nil {
		return err
	}
	if err := o.evaluateRisk(ctx, c); err != nil {
		return err
	}

	switch c.mode {
	case ModeEntry:
		if err := o.repairStops(ctx, c); err != nil {
			return err
		}
		if err := o.trade(ctx, c); err != nil {
			return err
		}
	case ModeMonitoring:
		if err := o.repairStops(ctx, c); err != nil {
			return err
		}
		if err := o.timeStops(ctx, c); err != nil {
			return err
		}
	case ModeClose:
		if err := o.dailySnapshot(ctx, c); err != nil {
			return err
		}
	}
	return o.complete(ctx, c)
}

// complete writes the audit rows and marks the logical id done, last.
func (o *Orchestrator) complete(ctx context.Context, c *cycle) error {
	now := o.now()
	if n, err := c.tx.RecordParamChanges(ctx, o.cfg.StrategyParams(), "config at "+c.id, now); err != nil {
		return fmt.Errorf("strategy params: %w", err)
	} else if n > 0 {
		log.Printf("📝 %d strategy parameter(s) changed since last run", n)
	}
	values := o.metrics.CycleValues()
	if err := c.tx.RecordMetrics(ctx, c.id, values, now); err != nil {
		return fmt.Errorf("record metrics: %w", err)
	}
	parts := make([]string, 0, len(values))
	for _, name := range metrics.Names(values) {
		parts = append(parts, fmt.Sprintf("%s=%g", name, values[name]))
	}
	log.Printf("📈 Cycle metrics: %s", strings.Join(parts, " "))

	decisionsJSON := ""
	if c.batch != nil {
		b, err := marshalDecisions(c.batch)
		if err != nil {
			return err
		}
		decisionsJSON = b
	}
	return c.tx.MarkCompleted(ctx, c.id, decisionsJSON, c.llmModel, now.Sub(c.start), now)
}

// fail records cause against the root store after the cycle transaction
// rolled back and sends the one alert for it.
func (o *Orchestrator) fail(ctx context.Context, res *Result, c *cycle, cause error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	log.Printf("❌ %s failed, changes rolled back: %v", c.id, cause)
	o.alert(ctx, models.SeverityError, fmt.Sprintf("❌ %s failed: %v\nChanges rolled back, the next scheduled run retries.", c.id, cause))
	return o.finish(ctx, res, c, models.ExecError, cause.Error())
}

func (o *Orchestrator) finish(ctx context.Context, res *Result, c *cycle, status, reason string) (*Result, error) {
	now := o.now()
	res.Status = status
	res.Reason = reason
	res.Elapsed = now.Sub(c.start)
	if err := o.store.MarkFinished(ctx, c.id, status, reason, res.Elapsed, now); err != nil {
		return res, fmt.Errorf("record %s status: %w", status, err)
	}
	o.metrics.Cycle(c.mode, status, res.Elapsed, now)
	o.exportMetrics()
	return res, nil
}

func (o *Orchestrator) exportMetrics() {
	if err := o.metrics.WriteTextfile(o.cfg.System.MetricsTextfile); err != nil {
		log.Printf("⚠️ Metrics export failed: %v", err)
	}
}
