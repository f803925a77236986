package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cryptobot/internal/strategy"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry-run"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

type Config struct {
	Mode        Mode
	Symbol      string
	Timeframe   string
	CandleLimit int

	InvestmentAmount float64
	QtyPrecision     int

	FastPeriod           int
	SlowPeriod           int
	SignalPeriod         int
	RSIPeriod            int
	MinHistogramDistance float64
	Oversold             float64
	Overbought           float64

	PollInterval time.Duration
	OrderTimeout time.Duration
	IdleInterval time.Duration
	FetchBackoff time.Duration
	ErrorBackoff time.Duration
	OrderType    string
	TimeInForce  string

	KillSwitch  bool
	Cooldown    time.Duration
	MaxNotional float64

	DecisionsPath  string
	CheckpointPath string
	ShutdownFile   string
	JournalDriver  string
	JournalDSN     string
	MetricsAddr    string

	RequestsPerSec float64
	MaxRetries     int

	TelegramToken  string
	TelegramChatID int64
	WebhookURL     string

	LogLevel  string
	LogFormat string

	APIKey         string
	APISecret      string
	TradingBaseURL string
	DataBaseURL    string
}

// Load reads .env, the environment and the process flags.
func Load() (Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs resolves configuration with precedence flag > environment > .env > default.
func LoadArgs(args []string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	var cfg Config
	var mode string
	defaults := strategy.DefaultParams()

	fs := flag.NewFlagSet("cryptobot", flag.ContinueOnError)
	fs.StringVar(&mode, "mode", envString("BOT_MODE", string(ModePaper)), "run mode: paper, live or dry-run")
	fs.StringVar(&cfg.Symbol, "symbol", envString("BOT_SYMBOL", "BTC/USD"), "traded pair, BASE/QUOTE")
	fs.StringVar(&cfg.Timeframe, "timeframe", envString("BOT_TIMEFRAME", "1Min"), "candle timeframe: 1Min, 15Min, 1Hour, 1Day")
	fs.IntVar(&cfg.CandleLimit, "candle-limit", 100, "candles fetched per iteration")
	fs.Float64Var(&cfg.InvestmentAmount, "investment-amount", 10, "quote amount spent per BUY")
	fs.IntVar(&cfg.QtyPrecision, "qty-precision", 5, "decimal places of BUY quantities")
	fs.IntVar(&cfg.FastPeriod, "macd-fast", defaults.FastPeriod, "MACD fast EMA period")
	fs.IntVar(&cfg.SlowPeriod, "macd-slow", defaults.SlowPeriod, "MACD slow EMA period")
	fs.IntVar(&cfg.SignalPeriod, "macd-signal", defaults.SignalPeriod, "MACD signal EMA period")
	fs.IntVar(&cfg.RSIPeriod, "rsi-period", defaults.RSIPeriod, "RSI period")
	fs.Float64Var(&cfg.MinHistogramDistance, "min-histogram-distance", defaults.MinHistogramDistance, "minimum |histogram| after a crossover")
	fs.Float64Var(&cfg.Oversold, "rsi-oversold", defaults.Oversold, "RSI at or below which BUY is confirmed")
	fs.Float64Var(&cfg.Overbought, "rsi-overbought", defaults.Overbought, "RSI at or above which SELL is confirmed")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 5*time.Second, "order status poll interval")
	fs.DurationVar(&cfg.OrderTimeout, "order-timeout", 300*time.Second, "cancel orders not filled within this time")
	fs.DurationVar(&cfg.IdleInterval, "idle-interval", 10*time.Second, "sleep when no new candle closed")
	fs.DurationVar(&cfg.FetchBackoff, "fetch-backoff", 5*time.Second, "sleep after a failed candle fetch")
	fs.DurationVar(&cfg.ErrorBackoff, "error-backoff", 10*time.Second, "sleep after an unexpected iteration error")
	fs.StringVar(&cfg.OrderType, "order-type", "market", "order type: market or limit")
	fs.StringVar(&cfg.TimeInForce, "time-in-force", "gtc", "time in force: gtc or ioc")
	fs.BoolVar(&cfg.KillSwitch, "kill-switch", false, "if true, never place orders")
	fs.DurationVar(&cfg.Cooldown, "cooldown", 0, "minimum time between trades")
	fs.Float64Var(&cfg.MaxNotional, "max-notional", 0, "max notional per BUY, 0 disables")
	fs.StringVar(&cfg.DecisionsPath, "decisions-path", "decisions.ndjson", "path to decisions log")
	fs.StringVar(&cfg.CheckpointPath, "checkpoint-path", "checkpoint.json", "path to checkpoint file")
	fs.StringVar(&cfg.ShutdownFile, "shutdown-file", "shutdown_bot.txt", "stop after the current iteration when this file exists")
	fs.StringVar(&cfg.JournalDriver, "journal-driver", envString("JOURNAL_DRIVER", "sqlite3"), "trade journal driver: sqlite3, postgres or empty to disable")
	fs.StringVar(&cfg.JournalDSN, "journal-dsn", envString("JOURNAL_DSN", "trades.db"), "trade journal DSN (file path for sqlite3)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envString("METRICS_ADDR", ":9102"), "metrics and health listen address, empty to disable")
	fs.Float64Var(&cfg.RequestsPerSec, "requests-per-sec", 3, "exchange request rate limit")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 2, "retries for read-only exchange calls")
	fs.StringVar(&cfg.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", envString("LOG_FORMAT", "json"), "log format: json or console")
	fs.StringVar(&cfg.TradingBaseURL, "trading-base-url", os.Getenv("APCA_API_BASE_URL"), "trading API base URL, defaults by mode")
	fs.StringVar(&cfg.DataBaseURL, "data-base-url", os.Getenv("APCA_DATA_BASE_URL"), "market data API base URL")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Mode = Mode(mode)
	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = chatID
	}
	if cfg.TradingBaseURL == "" {
		cfg.TradingBaseURL = paperBaseURL
		if cfg.Mode == ModeLive {
			cfg.TradingBaseURL = liveBaseURL
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) StrategyParams() strategy.Params {
	return strategy.Params{
		FastPeriod:           c.FastPeriod,
		SlowPeriod:           c.SlowPeriod,
		SignalPeriod:         c.SignalPeriod,
		RSIPeriod:            c.RSIPeriod,
		MinHistogramDistance: c.MinHistogramDistance,
		Oversold:             c.Oversold,
		Overbought:           c.Overbought,
	}
}

// Asset is the base asset of Symbol, e.g. BTC for BTC/USD.
func (c Config) Asset() string {
	base, _, _ := strings.Cut(c.Symbol, "/")
	return strings.ToUpper(base)
}

// QuoteAsset is the quote asset of Symbol, e.g. USD for BTC/USD.
func (c Config) QuoteAsset() string {
	_, quote, _ := strings.Cut(c.Symbol, "/")
	return strings.ToUpper(quote)
}

func validate(cfg Config) error {
	if cfg.Mode != ModePaper && cfg.Mode != ModeLive && cfg.Mode != ModeDryRun {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Mode != ModeDryRun && (cfg.APIKey == "" || cfg.APISecret == "") {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required in %s mode", cfg.Mode)
	}
	base, quote, ok := strings.Cut(cfg.Symbol, "/")
	if !ok || base == "" || quote == "" {
		return fmt.Errorf("symbol must look like BASE/QUOTE, got %q", cfg.Symbol)
	}
	if err := cfg.StrategyParams().Validate(); err != nil {
		return err
	}
	if cfg.CandleLimit < cfg.StrategyParams().Lookback() {
		return fmt.Errorf("candle-limit must be >= %d", cfg.StrategyParams().Lookback())
	}
	if cfg.InvestmentAmount <= 0 {
		return fmt.Errorf("investment-amount must be > 0")
	}
	if cfg.QtyPrecision < 0 || cfg.QtyPrecision > 10 {
		return fmt.Errorf("qty-precision must be between 0 and 10")
	}
	if cfg.PollInterval <= 0 || cfg.OrderTimeout <= 0 {
		return fmt.Errorf("poll-interval and order-timeout must be > 0")
	}
	if cfg.IdleInterval <= 0 || cfg.FetchBackoff <= 0 || cfg.ErrorBackoff <= 0 {
		return fmt.Errorf("idle-interval, fetch-backoff and error-backoff must be > 0")
	}
	if cfg.OrderType != "market" && cfg.OrderType != "limit" {
		return fmt.Errorf("unsupported order type: %s", cfg.OrderType)
	}
	if cfg.TimeInForce != "gtc" && cfg.TimeInForce != "ioc" {
		return fmt.Errorf("unsupported time in force: %s", cfg.TimeInForce)
	}
	if cfg.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if cfg.MaxNotional < 0 {
		return fmt.Errorf("max-notional must be >= 0")
	}
	switch cfg.JournalDriver {
	case "":
	case "sqlite3", "postgres":
		if cfg.JournalDSN == "" {
			return fmt.Errorf("journal-dsn is required with journal-driver %s", cfg.JournalDriver)
		}
	default:
		return fmt.Errorf("unsupported journal driver: %s", cfg.JournalDriver)
	}
	if cfg.RequestsPerSec <= 0 {
		return fmt.Errorf("requests-per-sec must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be >= 0")
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// loadDotEnv loads key=value pairs from path without overriding variables
// already present in the environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
