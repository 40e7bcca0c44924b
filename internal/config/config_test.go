package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	required := map[string]string{
		"APCA_API_KEY_ID":     "test_key",
		"APCA_API_SECRET_KEY": "test_secret",
		"APCA_API_BASE_URL":   "https://paper-api.alpaca.markets",
	}
	for k, v := range required {
		t.Setenv(k, v)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	// 1. Setup Required Envs (to bypass validation)
	setRequiredEnv(t)

	// 2. Ensure Optional Envs are Unset
	for _, k := range []string{"ALPACA_PAPER", "AGENT_LOG_LEVEL", "RISK_MAX_POSITION_PCT", "STRATEGY_MAX_DAILY_ENTRIES"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	// 3. Load Config without a YAML file
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// 4. Verify Defaults
	if cfg.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel 'INFO', got '%s'", cfg.LogLevel)
	}
	if cfg.Risk.MaxRiskPerTradePct != 1.5 {
		t.Errorf("Expected MaxRiskPerTradePct 1.5, got %f", cfg.Risk.MaxRiskPerTradePct)
	}
	if cfg.Risk.CircuitBreakerPct != [4]float64{4, 7, 10, 15} {
		t.Errorf("Expected breaker thresholds 4/7/10/15, got %v", cfg.Risk.CircuitBreakerPct)
	}
	if cfg.System.ReconcileThreshold != 3 {
		t.Errorf("Expected ReconcileThreshold 3, got %d", cfg.System.ReconcileThreshold)
	}
	if cfg.System.LLMMaxRetries != 2 {
		t.Errorf("Expected LLMMaxRetries 2, got %d", cfg.System.LLMMaxRetries)
	}
	if err := cfg.PaperGuard(); err != nil {
		t.Errorf("Expected paper guard to pass with defaults, got %v", err)
	}
}

func TestLoadConfig_YAMLAndEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STRATEGY_MAX_DAILY_ENTRIES", "1")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := `
risk:
  max_position_pct: 30
  circuit_breaker_pct: [3, 6, 9, 12]
strategy:
  max_daily_entries: 4
system:
  db_path: /tmp/agent/test.db
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Risk.MaxPositionPct != 30 {
		t.Errorf("Expected MaxPositionPct 30 from YAML, got %f", cfg.Risk.MaxPositionPct)
	}
	if cfg.Risk.CircuitBreakerPct[0] != 3 {
		t.Errorf("Expected first breaker threshold 3, got %f", cfg.Risk.CircuitBreakerPct[0])
	}
	// Env wins over YAML.
	if cfg.Strategy.MaxDailyEntries != 1 {
		t.Errorf("Expected MaxDailyEntries 1 from env, got %d", cfg.Strategy.MaxDailyEntries)
	}
	// Untouched values keep their defaults.
	if cfg.Strategy.MaxConcurrentPositions != 5 {
		t.Errorf("Expected MaxConcurrentPositions 5, got %d", cfg.Strategy.MaxConcurrentPositions)
	}
}

func TestLoadConfig_MissingSecrets(t *testing.T) {
	for _, k := range []string{"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_API_BASE_URL"} {
		t.Setenv(k, "")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("Expected error when broker credentials are missing")
	}
}

func TestValidate_BreakerMustIncrease(t *testing.T) {
	cfg := Default()
	cfg.Risk.CircuitBreakerPct = [4]float64{4, 7, 7, 15}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for non-increasing thresholds")
	}
}

func TestPaperGuard(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"all paper", func(c *Config) {}, false},
		{"config live", func(c *Config) { c.Alpaca.Paper = false }, true},
		{"env live", func(c *Config) { c.PaperEnv = false }, true},
		{"live endpoint", func(c *Config) { c.APIBaseURL = "https://api.alpaca.markets" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.PaperEnv = true
			cfg.APIBaseURL = "https://paper-api.alpaca.markets"
			tc.mutate(cfg)
			err := cfg.PaperGuard()
			if (err != nil) != tc.wantErr {
				t.Errorf("Expected error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}
