// Package health runs the operational checks behind the health-check mode.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/models"
	"github.com/smilior/alpaca-trading/internal/storage"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	errorWindow    = 24 * time.Hour
	maxRecentError = 3
	haltLevel      = 3
)

// Result is one check.
type Result struct {
	Name    string
	OK      bool
	Message string
}

// Report is the outcome of every check.
type Report struct {
	At     time.Time
	Checks []Result
}

func (r *Report) AllOK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func (r *Report) Failed() []Result {
	var out []Result
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) Summary() string {
	passed := 0
	for _, c := range r.Checks {
		if c.OK {
			passed++
		}
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Health Check: %d/%d passed", passed, len(r.Checks)))
	for _, c := range r.Checks {
		status := "OK"
		if !c.OK {
			status = "FAIL"
		}
		sb.WriteString(fmt.Sprintf("\n  [%s] %s: %s", status, c.Name, c.Message))
	}
	return sb.String()
}

// AccountSource is the part of the broker the check needs.
type AccountSource interface {
	GetAccount(ctx context.Context) (*models.Account, error)
}

type Checker struct {
	cfg    *config.Config
	broker AccountSource
	store  *storage.Store
	// freeBytes reports free space on the filesystem holding path.
	freeBytes func(ctx context.Context, path string) (uint64, error)
}

func NewChecker(cfg *config.Config, broker AccountSource, store *storage.Store) *Checker {
	return &Checker{cfg: cfg, broker: broker, store: store, freeBytes: diskFree}
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Run executes every check. A failing check never stops the others.
func (c *Checker) Run(ctx context.Context, now time.Time) *Report {
	return &Report{
		At: now,
		Checks: []Result{
			c.paperTrading(),
			c.apiConnectivity(ctx),
			c.dbIntegrity(ctx),
			c.staleness(ctx, now),
			c.circuitBreaker(ctx),
			c.recentErrors(ctx, now),
			c.diskSpace(ctx),
		},
	}
}

func (c *Checker) paperTrading() Result {
	if err := c.cfg.PaperGuard(); err != nil {
		return Result{"paper_trading", false, err.Error()}
	}
	return Result{"paper_trading", true, "paper account confirmed"}
}

func (c *Checker) apiConnectivity(ctx context.Context) Result {
	acct, err := c.broker.GetAccount(ctx)
	if err != nil {
		return Result{"api_connectivity", false, fmt.Sprintf("API error: %v", err)}
	}
	if acct.IsAccountBlocked {
		return Result{"api_connectivity", false, "account is blocked"}
	}
	return Result{"api_connectivity", true, fmt.Sprintf("Connected: equity=$%s", acct.Equity.StringFixed(2))}
}

func (c *Checker) dbIntegrity(ctx context.Context) Result {
	if err := c.store.IntegrityCheck(ctx); err != nil {
		return Result{"db_integrity", false, err.Error()}
	}
	return Result{"db_integrity", true, fmt.Sprintf("All %d tables present, integrity OK", len(storage.RequiredTables))}
}

func (c *Checker) staleness(ctx context.Context, now time.Time) Result {
	last, err := c.store.LastSuccess(ctx)
	if err != nil {
		return Result{"execution_staleness", false, fmt.Sprintf("Error: %v", err)}
	}
	if last == nil || last.CompletedAt == nil {
		return Result{"execution_staleness", true, "No previous executions (first run)"}
	}
	hours := now.Sub(*last.CompletedAt).Hours()
	limit := c.cfg.System.MaxStalenessHours
	if hours > float64(limit) {
		return Result{"execution_staleness", false, fmt.Sprintf("Last success: %.1fh ago (threshold: %dh)", hours, limit)}
	}
	return Result{"execution_staleness", true, fmt.Sprintf("Last success: %.1fh ago", hours)}
}

func (c *Checker) circuitBreaker(ctx context.Context) Result {
	ev, err := c.store.ActiveBreaker(ctx)
	if err != nil {
		return Result{"circuit_breaker", false, fmt.Sprintf("Error: %v", err)}
	}
	if ev == nil {
		return Result{"circuit_breaker", true, "No active circuit breaker"}
	}
	return Result{
		"circuit_breaker",
		ev.Level < haltLevel,
		fmt.Sprintf("Level %d active (DD=%.1f%%, triggered=%s)", ev.Level, ev.DrawdownPct, ev.TriggeredAt.Format(time.RFC3339)),
	}
}

func (c *Checker) recentErrors(ctx context.Context, now time.Time) Result {
	n, err := c.store.CountErrorsSince(ctx, now.Add(-errorWindow))
	if err != nil {
		return Result{"recent_errors", false, fmt.Sprintf("Error: %v", err)}
	}
	if n >= maxRecentError {
		return Result{"recent_errors", false, fmt.Sprintf("%d errors in last 24h (threshold: %d)", n, maxRecentError)}
	}
	return Result{"recent_errors", true, fmt.Sprintf("%d errors in last 24h", n)}
}

func (c *Checker) diskSpace(ctx context.Context) Result {
	dir, err := filepath.Abs(filepath.Dir(c.store.Path()))
	if err != nil {
		return Result{"disk_space", false, fmt.Sprintf("Error: %v", err)}
	}
	free, err := c.freeBytes(ctx, dir)
	if err != nil {
		return Result{"disk_space", false, fmt.Sprintf("Error: %v", err)}
	}
	freeMB := free / (1024 * 1024)
	if freeMB < c.cfg.System.MinFreeDiskMB {
		return Result{"disk_space", false, fmt.Sprintf("%d MB free (minimum %d MB)", freeMB, c.cfg.System.MinFreeDiskMB)}
	}
	return Result{"disk_space", true, fmt.Sprintf("%d MB free", freeMB)}
}
