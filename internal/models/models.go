package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provenance explains why a position row exists.
type Provenance string

const (
	ProvenanceAgent          Provenance = "agent"
	ProvenanceReconciliation Provenance = "reconciliation"
	ProvenanceManual         Provenance = "manual"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Close reasons recorded on positions.
const (
	CloseTakeProfit        = "tp"
	CloseStopLoss          = "sl"
	CloseTimeStop          = "time_stop"
	CloseSignal            = "signal"
	CloseCircuitBreaker    = "circuit_breaker"
	CloseReconciliation    = "reconciliation"
	CloseManual            = "manual"
	CloseDrawdownReduction = "drawdown_reduction"
)

// Protective order sub-states of a filled entry.
const (
	ProtectionActive     = "active"
	ProtectionStuck      = "stuck"
	ProtectionRepaired   = "repaired"
	ProtectionLiquidated = "liquidated"
)

// Position is a broker-confirmed or locally tracked holding.
//
// Rows are never deleted. Closing sets Status, ClosePrice, CloseDate and
// CloseReason once; after that the row is immutable.
type Position struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	Symbol          string              `json:"symbol"`
	Side            string              `json:"side"` // long, short
	Qty             decimal.Decimal     `json:"qty"`
	EntryPrice      decimal.Decimal     `json:"entry_price"`
	EntryDate       string              `json:"entry_date"` // YYYY-MM-DD
	StopLoss        decimal.NullDecimal `json:"stop_loss"`
	TakeProfit      decimal.NullDecimal `json:"take_profit"`
	Sector          string              `json:"sector"`
	StrategyReason  string              `json:"strategy_reason"`
	SentimentScore  *int                `json:"sentiment_score,omitempty"`
	Provenance      Provenance          `json:"provenance"`
	Status          string              `json:"status"`
	ClosePrice      decimal.NullDecimal `json:"close_price"`
	CloseDate       *string             `json:"close_date,omitempty"`
	CloseReason     *string             `json:"close_reason,omitempty"`
	ClientOrderID   string              `json:"client_order_id"`
	StopOrderID     string              `json:"stop_order_id"`
	ProtectionState string              `json:"protection_state"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func (Position) TableName() string { return "positions" }

// HoldingDays returns calendar days since entry.
func (p Position) HoldingDays(now time.Time) int {
	entry, err := time.ParseInLocation("2006-01-02", p.EntryDate, now.Location())
	if err != nil {
		return 0
	}
	return int(now.Sub(entry).Hours() / 24)
}

// Order intent states.
const (
	OrderPending         = "pending"
	OrderSubmitted       = "submitted"
	OrderFilled          = "filled"
	OrderPartiallyFilled = "partially_filled"
	OrderRejected        = "rejected"
	OrderCanceled        = "canceled"
)

// Trade is one Order Intent keyed by its client order id.
type Trade struct {
	ID            uint            `gorm:"primaryKey"`
	PositionID    *uint
	ExecutionID   string
	Symbol        string
	Side          string // buy, sell
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	Price         decimal.Decimal
	OrderType     string
	BrokerOrderID string
	ClientOrderID string `gorm:"uniqueIndex"`
	State         string
	Reason        string // entry rationale for buys, close reason for sells
	ErrorMessage  string
	ExecutedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Trade) TableName() string { return "trades" }

// Execution record statuses.
const (
	ExecRunning = "running"
	ExecSuccess = "success"
	ExecError   = "error"
	ExecSkipped = "skipped"
)

// ExecutionRecord is one row per logical invocation.
type ExecutionRecord struct {
	ID              uint   `gorm:"primaryKey"`
	ExecutionID     string `gorm:"uniqueIndex"`
	Mode            string
	AttemptID       string
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DecisionsJSON   string
	ErrorMessage    string
	ExecutionTimeMs int64
	LLMModel        string `gorm:"column:llm_model"`
	CreatedAt       time.Time
}

func (ExecutionRecord) TableName() string { return "execution_logs" }

// CircuitBreakerEvent is a breaker activation. ResolvedAt is set by an explicit resolution.
type CircuitBreakerEvent struct {
	ID             uint `gorm:"primaryKey"`
	Level          int
	TriggeredAt    time.Time
	DrawdownPct    float64
	Reason         string
	CooldownUntil  *time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
	CreatedAt      time.Time
}

func (CircuitBreakerEvent) TableName() string { return "circuit_breaker" }

// DailySnapshot archives the portfolio at the close.
type DailySnapshot struct {
	ID             uint   `gorm:"primaryKey"`
	Date           string `gorm:"uniqueIndex"`
	TotalEquity    decimal.Decimal
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	DailyPnL       decimal.Decimal `gorm:"column:daily_pnl"`
	DailyPnLPct    float64         `gorm:"column:daily_pnl_pct"`
	DrawdownPct    float64
	HighWaterMark  decimal.Decimal
	OpenPositions  int
	VixClose       *float64
	CreatedAt      time.Time
}

func (DailySnapshot) TableName() string { return "daily_snapshots" }

// StrategyParam records a changed configuration value.
type StrategyParam struct {
	ID        uint `gorm:"primaryKey"`
	ParamName string
	OldValue  *string
	NewValue  string
	ChangedAt time.Time
	Reason    string
	CreatedAt time.Time
}

func (StrategyParam) TableName() string { return "strategy_params" }

// Severity of an operator alert.
type Severity string

const (
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Reconciliation issue kinds.
const (
	IssueClosedMissing = "CLOSED_MISSING"
	IssueAddedMissing  = "ADDED_MISSING"
	IssueQtyMismatch   = "QTY_MISMATCH"
)

// ReconciliationIssue is a typed diff between broker truth and the local ledger.
type ReconciliationIssue struct {
	Symbol    string
	Kind      string
	LocalQty  decimal.Decimal
	BrokerQty decimal.Decimal
	Details   string
}

// ReconciliationLog is the audit row for an issue.
type ReconciliationLog struct {
	ID          uint `gorm:"primaryKey"`
	ExecutionID string
	IssueType   string
	Symbol      string
	Details     string
	AutoFixed   bool
	CreatedAt   time.Time
}

func (ReconciliationLog) TableName() string { return "reconciliation_logs" }

// Metric is a numeric sample recorded per cycle.
type Metric struct {
	ID          uint `gorm:"primaryKey"`
	Timestamp   time.Time
	ExecutionID string
	MetricName  string
	MetricValue float64
}

func (Metric) TableName() string { return "metrics" }

// PortfolioSnapshot is the derived per-cycle view of the account.
// It is computed from broker truth and never mutated afterwards.
type PortfolioSnapshot struct {
	TakenAt        time.Time
	Equity         decimal.Decimal
	LastEquity     decimal.Decimal
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
	PositionsValue decimal.Decimal
	HighWaterMark  decimal.Decimal
	DrawdownPct    float64
	DailyPnLPct    float64
	Positions      []BrokerPosition
}

// Holds reports whether the broker position list contains symbol.
func (s PortfolioSnapshot) Holds(symbol string) bool {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}
