package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MarketLoc is the exchange time zone. Trading dates and logical execution
// ids are always computed in it.
var MarketLoc = loadMarketLoc()

func loadMarketLoc() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Printf("Warning: America/New_York zone unavailable, falling back to fixed EST: %v", err)
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

type Config struct {
	Alpaca   AlpacaConfig   `yaml:"alpaca"`
	Risk     RiskConfig     `yaml:"risk"`
	Strategy StrategyConfig `yaml:"strategy"`
	Macro    MacroConfig    `yaml:"macro"`
	System   SystemConfig   `yaml:"system"`
	Lock     LockConfig     `yaml:"lock"`
	LLM      LLMConfig      `yaml:"llm"`

	// Secrets and endpoints, env only.
	APIKeyID         string `yaml:"-"`
	APISecretKey     string `yaml:"-"`
	APIBaseURL       string `yaml:"-"`
	TelegramBotToken string `yaml:"-"`
	TelegramChatID   string `yaml:"-"`
	GeminiAPIKey     string `yaml:"-"`
	PaperEnv         bool   `yaml:"-"` // ALPACA_PAPER
	LogLevel         string `yaml:"-"`
}

type AlpacaConfig struct {
	Paper              bool `yaml:"paper"`
	RateLimitPerMinute int  `yaml:"rate_limit_per_minute"`
	RetryLimit         int  `yaml:"retry_limit"`
	TimeoutSeconds     int  `yaml:"timeout_seconds"`
}

type RiskConfig struct {
	MaxRiskPerTradePct    float64    `yaml:"max_risk_per_trade_pct"`
	SlippageFactor        float64    `yaml:"slippage_factor"`
	MaxPositionPct        float64    `yaml:"max_position_pct"`
	CircuitBreakerPct     [4]float64 `yaml:"circuit_breaker_pct"`
	Level2SizeMultiplier  float64    `yaml:"level2_size_multiplier"`
	UnwindTargetPositions int        `yaml:"unwind_target_positions"`
	MaxCorrelation        float64    `yaml:"max_correlation"`
	MaxSnapshotAgeDays    int        `yaml:"max_snapshot_age_days"`
}

type StrategyConfig struct {
	SentimentConfidenceThreshold int     `yaml:"sentiment_confidence_threshold"`
	StopLossATRMultiplier        float64 `yaml:"stop_loss_atr_multiplier"`
	TakeProfitPct                float64 `yaml:"take_profit_pct"`
	TimeStopDays                 int     `yaml:"time_stop_days"`
	MaxConcurrentPositions       int     `yaml:"max_concurrent_positions"`
	MaxDailyEntries              int     `yaml:"max_daily_entries"`
	MinHoldingDays               int     `yaml:"min_holding_days"`
}

type MacroConfig struct {
	VixElevated float64 `yaml:"vix_elevated"`
	VixExtreme  float64 `yaml:"vix_extreme"`
}

type SystemConfig struct {
	DBPath             string `yaml:"db_path"`
	LockFilePath       string `yaml:"lock_file_path"`
	LogDir             string `yaml:"log_dir"`
	MaxLogSizeMB       int64  `yaml:"max_log_size_mb"`
	MaxLogBackups      int    `yaml:"max_log_backups"`
	BackupDir          string `yaml:"backup_dir"`
	BackupGenerations  int    `yaml:"backup_generations"`
	BusyTimeoutMs      int    `yaml:"busy_timeout_ms"`
	LLMTimeoutSeconds  int    `yaml:"llm_timeout_seconds"`
	LLMMaxRetries      int    `yaml:"llm_max_retries"`
	ReconcileDelayMs   int    `yaml:"reconcile_delay_ms"`
	ReconcileThreshold int    `yaml:"reconcile_threshold"`
	MetricsTextfile    string `yaml:"metrics_textfile"`
	MinFreeDiskMB      uint64 `yaml:"min_free_disk_mb"`
	MaxStalenessHours  int    `yaml:"max_staleness_hours"`
	FillTimeoutSeconds int    `yaml:"fill_timeout_seconds"`
}

type LockConfig struct {
	Backend    string `yaml:"backend"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	Key        string `yaml:"key"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type LLMConfig struct {
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	PromptFile string `yaml:"prompt_file"`
}

// Default returns the configuration used when neither file nor env override a value.
func Default() *Config {
	return &Config{
		Alpaca: AlpacaConfig{Paper: true, RateLimitPerMinute: 180, RetryLimit: 2, TimeoutSeconds: 15},
		Risk: RiskConfig{
			MaxRiskPerTradePct:    1.5,
			SlippageFactor:        1.0,
			MaxPositionPct:        20,
			CircuitBreakerPct:     [4]float64{4, 7, 10, 15},
			Level2SizeMultiplier:  0.5,
			UnwindTargetPositions: 2,
			MaxCorrelation:        0.85,
			MaxSnapshotAgeDays:    5,
		},
		Strategy: StrategyConfig{
			SentimentConfidenceThreshold: 70,
			StopLossATRMultiplier:        2.0,
			TakeProfitPct:                5.0,
			TimeStopDays:                 10,
			MaxConcurrentPositions:       5,
			MaxDailyEntries:              2,
			MinHoldingDays:               2,
		},
		Macro: MacroConfig{VixElevated: 20, VixExtreme: 30},
		System: SystemConfig{
			DBPath:             "data/state/trading.db",
			LockFilePath:       "data/state/agent.lock",
			LogDir:             "logs",
			MaxLogSizeMB:       10,
			MaxLogBackups:      5,
			BackupDir:          "data/backups",
			BackupGenerations:  7,
			BusyTimeoutMs:      5000,
			LLMTimeoutSeconds:  120,
			LLMMaxRetries:      2,
			ReconcileDelayMs:   2000,
			ReconcileThreshold: 3,
			MinFreeDiskMB:      100,
			MaxStalenessHours:  26,
			FillTimeoutSeconds: 30,
		},
		Lock:     LockConfig{Backend: "file", Key: "alpha_agent:cycle", TTLSeconds: 900},
		LLM:      LLMConfig{Model: "gemini-2.5-flash", BaseURL: "https://generativelanguage.googleapis.com/v1beta"},
		LogLevel: "INFO",
	}
}

// requiredSecretVars are critical and confidential. Values are masked when printed.
var requiredSecretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"APCA_API_BASE_URL":   true,
}

var optionalSecretVars = map[string]bool{
	"TELEGRAM_BOT_TOKEN": true,
	"TELEGRAM_CHAT_ID":   true,
	"GEMINI_API_KEY":     true,
	"REDIS_PASSWORD":     true,
}

// Load reads .env, then the optional YAML file at path, then environment overrides.
// An empty path skips the YAML layer.
func Load(path string) (*Config, error) {
	// Load .env variables into the process environment
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Printf("Warning: config file %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	var missing []string
	for key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	cfg.APIKeyID = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecretKey = os.Getenv("APCA_API_SECRET_KEY")
	cfg.APIBaseURL = os.Getenv("APCA_API_BASE_URL")
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.PaperEnv = getEnvAsBool("ALPACA_PAPER", true)
	cfg.LogLevel = strings.ToUpper(getEnv("AGENT_LOG_LEVEL", cfg.LogLevel))

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	printMaskedEnv()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Risk.MaxRiskPerTradePct = getEnvAsFloat64("RISK_MAX_RISK_PER_TRADE_PCT", cfg.Risk.MaxRiskPerTradePct)
	cfg.Risk.MaxPositionPct = getEnvAsFloat64("RISK_MAX_POSITION_PCT", cfg.Risk.MaxPositionPct)
	cfg.Strategy.MaxConcurrentPositions = getEnvAsInt("STRATEGY_MAX_CONCURRENT_POSITIONS", cfg.Strategy.MaxConcurrentPositions)
	cfg.Strategy.MaxDailyEntries = getEnvAsInt("STRATEGY_MAX_DAILY_ENTRIES", cfg.Strategy.MaxDailyEntries)
	cfg.System.DBPath = getEnv("AGENT_DB_PATH", cfg.System.DBPath)
	cfg.System.LockFilePath = getEnv("AGENT_LOCK_FILE", cfg.System.LockFilePath)
	cfg.System.LogDir = getEnv("AGENT_LOG_DIR", cfg.System.LogDir)
	cfg.System.MetricsTextfile = getEnv("AGENT_METRICS_TEXTFILE", cfg.System.MetricsTextfile)
	cfg.System.LLMTimeoutSeconds = getEnvAsInt("LLM_TIMEOUT_SECONDS", cfg.System.LLMTimeoutSeconds)
	cfg.Lock.Backend = getEnv("AGENT_LOCK_BACKEND", cfg.Lock.Backend)
	cfg.Lock.RedisAddr = getEnv("REDIS_ADDR", cfg.Lock.RedisAddr)
	cfg.LLM.Model = getEnv("GEMINI_MODEL", cfg.LLM.Model)
}

// Validate rejects configurations the risk gate cannot operate safely with.
func (c *Config) Validate() error {
	cb := c.Risk.CircuitBreakerPct
	for i := 1; i < len(cb); i++ {
		if cb[i] <= cb[i-1] {
			return fmt.Errorf("circuit_breaker_pct must be strictly increasing, got %v", cb)
		}
	}
	if cb[0] <= 0 {
		return fmt.Errorf("circuit_breaker_pct must be positive, got %v", cb)
	}
	if c.Risk.MaxRiskPerTradePct <= 0 || c.Risk.MaxRiskPerTradePct > 5 {
		return fmt.Errorf("max_risk_per_trade_pct out of range (0, 5]: %v", c.Risk.MaxRiskPerTradePct)
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 100 {
		return fmt.Errorf("max_position_pct out of range (0, 100]: %v", c.Risk.MaxPositionPct)
	}
	if c.Risk.SlippageFactor < 1 {
		return fmt.Errorf("slippage_factor must be >= 1, got %v", c.Risk.SlippageFactor)
	}
	if c.Strategy.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("max_concurrent_positions must be positive")
	}
	if c.Macro.VixExtreme <= c.Macro.VixElevated {
		return fmt.Errorf("vix_extreme (%v) must exceed vix_elevated (%v)", c.Macro.VixExtreme, c.Macro.VixElevated)
	}
	if c.System.ReconcileThreshold < 1 {
		return fmt.Errorf("reconcile_threshold must be at least 1")
	}
	if c.System.LLMMaxRetries < 0 || c.System.LLMMaxRetries > 5 {
		return fmt.Errorf("llm_max_retries out of range [0, 5]: %d", c.System.LLMMaxRetries)
	}
	return nil
}

// PaperGuard refuses live trading. Config, environment and endpoint must all agree.
func (c *Config) PaperGuard() error {
	if !c.Alpaca.Paper {
		return fmt.Errorf("SAFETY: alpaca.paper must be true")
	}
	if !c.PaperEnv {
		return fmt.Errorf("SAFETY: ALPACA_PAPER environment variable must be 'true'")
	}
	if c.APIBaseURL != "" && !strings.Contains(c.APIBaseURL, "paper") {
		return fmt.Errorf("SAFETY: APCA_API_BASE_URL %q is not a paper endpoint", c.APIBaseURL)
	}
	return nil
}

// StrategyParams flattens the tunable values for the strategy_params audit.
func (c *Config) StrategyParams() map[string]string {
	return map[string]string{
		"risk.max_risk_per_trade_pct":             fmt.Sprint(c.Risk.MaxRiskPerTradePct),
		"risk.slippage_factor":                    fmt.Sprint(c.Risk.SlippageFactor),
		"risk.max_position_pct":                   fmt.Sprint(c.Risk.MaxPositionPct),
		"risk.circuit_breaker_pct":                fmt.Sprint(c.Risk.CircuitBreakerPct),
		"strategy.sentiment_confidence_threshold": fmt.Sprint(c.Strategy.SentimentConfidenceThreshold),
		"strategy.stop_loss_atr_multiplier":       fmt.Sprint(c.Strategy.StopLossATRMultiplier),
		"strategy.take_profit_pct":                fmt.Sprint(c.Strategy.TakeProfitPct),
		"strategy.time_stop_days":                 fmt.Sprint(c.Strategy.TimeStopDays),
		"strategy.max_concurrent_positions":       fmt.Sprint(c.Strategy.MaxConcurrentPositions),
		"strategy.max_daily_entries":              fmt.Sprint(c.Strategy.MaxDailyEntries),
		"strategy.min_holding_days":               fmt.Sprint(c.Strategy.MinHoldingDays),
		"macro.vix_elevated":                      fmt.Sprint(c.Macro.VixElevated),
		"macro.vix_extreme":                       fmt.Sprint(c.Macro.VixExtreme),
	}
}

// printMaskedEnv prints the variables defined in the .env file, masking secrets.
func printMaskedEnv() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	log.Println("--- .env File Variables ---")
	for _, key := range keys {
		val := envMap[key]
		if requiredSecretVars[key] || optionalSecretVars[key] {
			log.Printf("%s=%s", key, mask(val))
		} else {
			log.Printf("%s=%s", key, val)
		}
	}
	log.Println("---------------------------")
}

// mask shows only the last 4 characters.
func mask(val string) string {
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
