// Package metrics keeps the per-cycle counters and gauges. Each invocation is
// a short-lived process, so values are exported through a node-exporter
// textfile instead of a scrape endpoint.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Names of the values stored in the metrics table.
const (
	Equity               = "equity"
	DrawdownPct          = "drawdown_pct"
	BreakerLevel         = "breaker_level"
	OpenPositions        = "open_positions"
	OrdersSubmitted      = "orders_submitted"
	OrdersFailed         = "orders_failed"
	ReconciliationIssues = "reconciliation_issues"
	DecisionsAccepted    = "decisions_accepted"
	DecisionsSanitized   = "decisions_sanitized"
)

type Recorder struct {
	reg *prometheus.Registry

	equity        prometheus.Gauge
	drawdown      prometheus.Gauge
	breakerLevel  prometheus.Gauge
	openPositions prometheus.Gauge
	lastSuccess   prometheus.Gauge

	orders    *prometheus.CounterVec
	issues    *prometheus.CounterVec
	decisions *prometheus.CounterVec
	cycles    *prometheus.CounterVec
	duration  *prometheus.HistogramVec

	mu    sync.Mutex
	cycle map[string]float64
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		equity: f.NewGauge(prometheus.GaugeOpts{
			Name: "alpha_agent_equity_dollars",
			Help: "Account equity at the last cycle",
		}),
		drawdown: f.NewGauge(prometheus.GaugeOpts{
			Name: "alpha_agent_drawdown_percent",
			Help: "Drawdown from the high-water mark",
		}),
		breakerLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "alpha_agent_circuit_breaker_level",
			Help: "Active circuit breaker level, 0 when none",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "alpha_agent_open_positions",
			Help: "Open positions held at the broker",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "alpha_agent_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alpha_agent_orders_total",
			Help: "Orders by side and outcome",
		}, []string{"side", "status"}),
		issues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alpha_agent_reconciliation_issues_total",
			Help: "Reconciliation issues by kind",
		}, []string{"kind"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alpha_agent_decisions_total",
			Help: "Validated model decisions by provenance",
		}, []string{"provenance"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alpha_agent_cycles_total",
			Help: "Cycles by mode and final status",
		}, []string{"mode", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alpha_agent_cycle_duration_seconds",
			Help:    "Wall time of one cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		cycle: map[string]float64{},
	}
}

// Registry exposes the collectors for tests and exporters.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// BeginCycle clears the per-cycle values.
func (r *Recorder) BeginCycle() {
	r.mu.Lock()
	r.cycle = map[string]float64{}
	r.mu.Unlock()
}

func (r *Recorder) set(name string, v float64) {
	r.mu.Lock()
	r.cycle[name] = v
	r.mu.Unlock()
}

func (r *Recorder) add(name string, v float64) {
	r.mu.Lock()
	r.cycle[name] += v
	r.mu.Unlock()
}

func (r *Recorder) Portfolio(snap *models.PortfolioSnapshot) {
	if snap == nil {
		return
	}
	eq := snap.Equity.InexactFloat64()
	r.equity.Set(eq)
	r.drawdown.Set(snap.DrawdownPct)
	r.openPositions.Set(float64(len(snap.Positions)))
	r.set(Equity, eq)
	r.set(DrawdownPct, snap.DrawdownPct)
	r.set(OpenPositions, float64(len(snap.Positions)))
}

func (r *Recorder) Breaker(level int) {
	r.breakerLevel.Set(float64(level))
	r.set(BreakerLevel, float64(level))
}

// Order counts one order outcome. Rejected and failed submissions count as failed.
func (r *Recorder) Order(side, state string) {
	r.orders.WithLabelValues(side, state).Inc()
	switch state {
	case models.OrderRejected, "failed":
		r.add(OrdersFailed, 1)
	default:
		r.add(OrdersSubmitted, 1)
	}
}

func (r *Recorder) Reconciliation(issues []models.ReconciliationIssue) {
	for _, is := range issues {
		r.issues.WithLabelValues(is.Kind).Inc()
	}
	r.add(ReconciliationIssues, float64(len(issues)))
}

func (r *Recorder) Decisions(accepted int, sanitized bool) {
	prov := "validated"
	if sanitized {
		prov = "sanitized"
		r.add(DecisionsSanitized, float64(accepted))
	}
	r.decisions.WithLabelValues(prov).Add(float64(accepted))
	r.add(DecisionsAccepted, float64(accepted))
}

// Cycle records the final status of a cycle.
func (r *Recorder) Cycle(mode, status string, elapsed time.Duration, now time.Time) {
	r.cycles.WithLabelValues(mode, status).Inc()
	r.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if status == models.ExecSuccess {
		r.lastSuccess.Set(float64(now.Unix()))
	}
}

// CycleValues returns a copy of the values recorded since BeginCycle.
func (r *Recorder) CycleValues() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.cycle))
	for k, v := range r.cycle {
		out[k] = v
	}
	return out
}

// Names lists the recorded value names in order, for logging.
func Names(values map[string]float64) []string {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// WriteTextfile writes the registry for the node-exporter textfile collector.
// An empty path disables the export.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
