package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Mode:                 ModePaper,
		APIKey:               "key",
		APISecret:            "secret",
		Symbol:               "BTC/USD",
		CandleLimit:          100,
		InvestmentAmount:     10,
		QtyPrecision:         5,
		FastPeriod:           12,
		SlowPeriod:           26,
		SignalPeriod:         9,
		RSIPeriod:            14,
		MinHistogramDistance: 0.01,
		Oversold:             25,
		Overbought:           75,
		PollInterval:         5 * time.Second,
		OrderTimeout:         300 * time.Second,
		IdleInterval:         10 * time.Second,
		FetchBackoff:         5 * time.Second,
		ErrorBackoff:         10 * time.Second,
		OrderType:            "market",
		TimeInForce:          "gtc",
		JournalDriver:        "sqlite3",
		JournalDSN:           "trades.db",
		RequestsPerSec:       3,
	}
}

func TestValidateConfigAcceptsValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected config to be valid, got %v", err)
	}
}

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":            func(c *Config) { c.Mode = "stream" },
		"missing keys":    func(c *Config) { c.APIKey = "" },
		"symbol":          func(c *Config) { c.Symbol = "BTCUSD" },
		"thresholds":      func(c *Config) { c.Oversold, c.Overbought = 80, 20 },
		"fast >= slow":    func(c *Config) { c.FastPeriod = 26 },
		"candle limit":    func(c *Config) { c.CandleLimit = 34 },
		"investment":      func(c *Config) { c.InvestmentAmount = 0 },
		"order type":      func(c *Config) { c.OrderType = "stop" },
		"time in force":   func(c *Config) { c.TimeInForce = "day" },
		"poll interval":   func(c *Config) { c.PollInterval = 0 },
		"journal driver":  func(c *Config) { c.JournalDriver = "mysql" },
		"journal dsn":     func(c *Config) { c.JournalDSN = "" },
		"telegram chat":   func(c *Config) { c.TelegramToken = "token" },
		"negative notion": func(c *Config) { c.MaxNotional = -1 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateDryRunDoesNotNeedKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeDryRun
	cfg.APIKey, cfg.APISecret = "", ""
	if err := validate(cfg); err != nil {
		t.Fatalf("expected dry-run without keys to be valid, got %v", err)
	}
}

func TestLoadArgsPrecedence(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "env-secret")
	t.Setenv("BOT_SYMBOL", "ETH/USD")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadArgs([]string{"--log-level", "warn", "--investment-amount", "25", "--mode", "live"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Symbol != "ETH/USD" {
		t.Fatalf("expected symbol from env, got %q", cfg.Symbol)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected flag to win over env, got %q", cfg.LogLevel)
	}
	if cfg.InvestmentAmount != 25 {
		t.Fatalf("expected investment from flag, got %v", cfg.InvestmentAmount)
	}
	if cfg.TradingBaseURL != liveBaseURL {
		t.Fatalf("expected live base URL, got %q", cfg.TradingBaseURL)
	}
	if cfg.Asset() != "ETH" || cfg.QuoteAsset() != "USD" {
		t.Fatalf("unexpected assets %s/%s", cfg.Asset(), cfg.QuoteAsset())
	}
	if cfg.ShutdownFile != "shutdown_bot.txt" || cfg.CandleLimit != 100 || cfg.OrderTimeout != 300*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadArgsReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	unsetEnv(t, "APCA_API_KEY_ID")
	unsetEnv(t, "APCA_API_SECRET_KEY")
	unsetEnv(t, "TELEGRAM_CHAT_ID")
	content := "APCA_API_KEY_ID=file-key\nAPCA_API_SECRET_KEY=file-secret\nTELEGRAM_CHAT_ID=1234\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := LoadArgs(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.APIKey != "file-key" || cfg.APISecret != "file-secret" {
		t.Fatalf("expected keys from .env, got %q/%q", cfg.APIKey, cfg.APISecret)
	}
	if cfg.TelegramChatID != 1234 {
		t.Fatalf("expected chat id from .env, got %d", cfg.TelegramChatID)
	}
}

func TestLoadArgsRejectsBadFlag(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APCA_API_KEY_ID", "k")
	t.Setenv("APCA_API_SECRET_KEY", "s")
	if _, err := LoadArgs([]string{"--rsi-oversold", "90"}); err == nil {
		t.Fatalf("expected validation error for oversold above overbought")
	}
}
