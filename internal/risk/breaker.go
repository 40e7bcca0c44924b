package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/smilior/alpaca-trading/internal/config"
	"github.com/smilior/alpaca-trading/internal/models"
)

// MaxLevel is full liquidation plus halt.
const MaxLevel = 4

// cooldowns per level. Level 4 has none: only an operator clears it.
var cooldowns = map[int]time.Duration{
	1: 48 * time.Hour,
	2: 72 * time.Hour,
	3: 168 * time.Hour,
}

// BreakerStore persists breaker activations.
type BreakerStore interface {
	ActiveBreaker(ctx context.Context) (*models.CircuitBreakerEvent, error)
	RecordBreaker(ctx context.Context, ev *models.CircuitBreakerEvent) error
	ResolveBreaker(ctx context.Context, id uint, note string, now time.Time) error
}

// Drawdown returns the peak-to-trough drawdown of equity in percent against
// the high-water mark max(peak, equity).
func Drawdown(equity, peak float64) (pct, hwm float64) {
	hwm = peak
	if equity > hwm {
		hwm = equity
	}
	if hwm <= 0 {
		return 0, hwm
	}
	return (hwm - equity) / hwm * 100, hwm
}

// LevelFor maps a drawdown to the highest breached level, 0 when none.
func LevelFor(drawdownPct float64, thresholds [4]float64) int {
	for lvl := MaxLevel; lvl >= 1; lvl-- {
		if drawdownPct >= thresholds[lvl-1] {
			return lvl
		}
	}
	return 0
}

// Cooldown returns how long a level must hold before it may clear on its
// own. ok is false for level 4.
func Cooldown(level int) (d time.Duration, ok bool) {
	d, ok = cooldowns[level]
	return d, ok
}

// BreakerStatus is the outcome of one evaluation.
type BreakerStatus struct {
	Level         int
	PreviousLevel int
	DrawdownPct   float64
	Escalated     bool
	Resolutions   []string
	Event         *models.CircuitBreakerEvent
}

// Changed reports whether the effective level moved.
func (s *BreakerStatus) Changed() bool { return s.Level != s.PreviousLevel }

// Breaker evaluates drawdown against the configured thresholds.
type Breaker struct {
	thresholds [4]float64
}

func NewBreaker(cfg *config.Config) *Breaker {
	return &Breaker{thresholds: cfg.Risk.CircuitBreakerPct}
}

// Evaluate escalates immediately when drawdown breaches a higher level. A
// level only clears through a recorded resolution: automatically once its
// cooldown has elapsed and drawdown is back under its threshold, or by
// Resolve. Within one evaluation the level never drops any other way.
func (b *Breaker) Evaluate(ctx context.Context, store BreakerStore, drawdownPct float64, now time.Time) (*BreakerStatus, error) {
	now = now.UTC()
	active, err := store.ActiveBreaker(ctx)
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}

	st := &BreakerStatus{DrawdownPct: drawdownPct, Event: active}
	if active != nil {
		st.Level = active.Level
		st.PreviousLevel = active.Level
	}
	computed := LevelFor(drawdownPct, b.thresholds)

	if active != nil && computed < active.Level && b.cooldownOver(active, drawdownPct, now) {
		note := fmt.Sprintf("auto: cooldown elapsed, drawdown %.2f%% below L%d threshold %.2f%%",
			drawdownPct, active.Level, b.thresholds[active.Level-1])
		if err := store.ResolveBreaker(ctx, active.ID, note, now); err != nil {
			return nil, fmt.Errorf("resolve breaker %d: %w", active.ID, err)
		}
		log.Printf("🔓 [RISK] Circuit breaker L%d resolved (%s)", active.Level, note)
		st.Resolutions = append(st.Resolutions, note)
		st.Level = 0
		st.Event = nil
	}

	if computed > st.Level {
		ev := &models.CircuitBreakerEvent{
			Level:       computed,
			TriggeredAt: now,
			DrawdownPct: drawdownPct,
			Reason: fmt.Sprintf("drawdown %.2f%% breached L%d threshold %.2f%%",
				drawdownPct, computed, b.thresholds[computed-1]),
		}
		if d, ok := Cooldown(computed); ok {
			until := now.Add(d)
			ev.CooldownUntil = &until
		}
		if err := store.RecordBreaker(ctx, ev); err != nil {
			return nil, fmt.Errorf("record breaker: %w", err)
		}
		if st.Event != nil {
			note := fmt.Sprintf("superseded by L%d", computed)
			if err := store.ResolveBreaker(ctx, st.Event.ID, note, now); err != nil {
				return nil, fmt.Errorf("supersede breaker %d: %w", st.Event.ID, err)
			}
			st.Resolutions = append(st.Resolutions, note)
		}
		log.Printf("🚨 [RISK] Circuit breaker L%d triggered: %s", computed, ev.Reason)
		st.Level = computed
		st.Event = ev
	}

	st.Escalated = st.Level > st.PreviousLevel
	return st, nil
}

func (b *Breaker) cooldownOver(ev *models.CircuitBreakerEvent, drawdownPct float64, now time.Time) bool {
	if ev.Level >= MaxLevel || ev.CooldownUntil == nil {
		return false
	}
	if now.Before(*ev.CooldownUntil) {
		return false
	}
	return drawdownPct < b.thresholds[ev.Level-1]
}

// Resolve clears every active activation with an operator note. It is the
// only way out of level 4.
func Resolve(ctx context.Context, store BreakerStore, note string, now time.Time) (int, error) {
	if note == "" {
		return 0, fmt.Errorf("a resolution note is required")
	}
	resolved := 0
	for i := 0; i < 16; i++ {
		ev, err := store.ActiveBreaker(ctx)
		if err != nil {
			return resolved, err
		}
		if ev == nil {
			return resolved, nil
		}
		if err := store.ResolveBreaker(ctx, ev.ID, "manual: "+note, now.UTC()); err != nil {
			return resolved, err
		}
		log.Printf("🔓 [RISK] Circuit breaker L%d (id %d) resolved by operator: %s", ev.Level, ev.ID, note)
		resolved++
	}
	return resolved, fmt.Errorf("too many active breaker events")
}

// Policy is what a breaker level permits.
type Policy struct {
	Level            int
	AllowEntries     bool
	MaxEntriesPerDay int
	SizeMultiplier   float64
	UnwindTo         int // target open positions, -1 when no unwind
	LiquidateAll     bool
}

// PolicyFor returns the restrictions of level.
func PolicyFor(level int, cfg *config.Config) Policy {
	p := Policy{
		Level:            level,
		AllowEntries:     true,
		MaxEntriesPerDay: cfg.Strategy.MaxDailyEntries,
		SizeMultiplier:   1.0,
		UnwindTo:         -1,
	}
	switch {
	case level >= 4:
		p.AllowEntries = false
		p.MaxEntriesPerDay = 0
		p.UnwindTo = 0
		p.LiquidateAll = true
	case level == 3:
		p.AllowEntries = false
		p.MaxEntriesPerDay = 0
		p.UnwindTo = cfg.Risk.UnwindTargetPositions
	case level == 2:
		p.MaxEntriesPerDay = minInt(1, p.MaxEntriesPerDay)
		p.SizeMultiplier = cfg.Risk.Level2SizeMultiplier
	case level == 1:
		p.MaxEntriesPerDay = minInt(1, p.MaxEntriesPerDay)
	}
	return p
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
