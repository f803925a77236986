package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptobot/internal/broker"
	"cryptobot/internal/config"
	"cryptobot/internal/engine"
	"cryptobot/internal/journal"
	"cryptobot/internal/ledger"
	"cryptobot/internal/logger"
	"cryptobot/internal/md"
	"cryptobot/internal/metrics"
	"cryptobot/internal/notification"
	"cryptobot/internal/risk"
	"cryptobot/internal/state"
	"cryptobot/internal/strategy"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	log := logger.Init("cryptobot", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("bot stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("bot shutdown complete")
}

func run(cfg config.Config, log zerolog.Logger) error {
	runID := generateRunID()
	log = log.With().Str("run_id", runID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	market, err := md.New(md.Options{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.DataBaseURL,
		Timeframe:  cfg.Timeframe,
		Limiter:    limiter,
		MaxRetries: uint64(cfg.MaxRetries),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("market data: %w", err)
	}
	exchange := broker.New(broker.Options{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.TradingBaseURL,
		QuoteAsset: cfg.QuoteAsset(),
		Limiter:    limiter,
		MaxRetries: uint64(cfg.MaxRetries),
		Logger:     log,
	})

	notifier := buildNotifier(cfg, runID, log)
	defer notifier.Close()

	l := ledger.New(exchange, cfg.Asset(), log, ledger.WithOnDelta(func(d ledger.Delta) {
		m.ReconcileDeltas.Inc()
		m.HeldQty.Set(d.Current.InexactFloat64())
		_ = notifier.Send(context.Background(), notification.Alert{
			Level:   notification.LevelWarning,
			Title:   "Position corrected",
			Message: fmt.Sprintf("%s held %s -> %s", d.Asset, d.Previous, d.Current),
			Symbol:  cfg.Symbol,
		})
	}))

	opts := []engine.SupervisorOption{
		engine.WithNotifier(notifier),
		engine.WithMetrics(m),
		engine.WithRunID(runID),
	}
	if cfg.JournalDriver != "" {
		j, err := journal.Open(ctx, cfg.JournalDriver, cfg.JournalDSN, log)
		if err != nil {
			return fmt.Errorf("trade journal: %w", err)
		}
		defer j.Close()
		j.LogRecent(ctx, 5)
		opts = append(opts, engine.WithJournal(j))
	}
	supervisor := engine.NewSupervisor(engine.SupervisorConfig{
		InvestmentAmount: decimal.NewFromFloat(cfg.InvestmentAmount),
		QtyPrecision:     int32(cfg.QtyPrecision),
		OrderType:        broker.OrderType(cfg.OrderType),
		TimeInForce:      cfg.TimeInForce,
		PollInterval:     cfg.PollInterval,
		Timeout:          cfg.OrderTimeout,
	}, market, exchange, l, log, opts...)

	store := state.NewStore()
	if err := store.Load(cfg.CheckpointPath); err == nil {
		log.Info().Str("path", cfg.CheckpointPath).Int("open_orders", store.OpenOrderCount()).Msg("loaded checkpoint")
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", cfg.CheckpointPath).Msg("ignoring unreadable checkpoint")
	}

	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID, log)
	if err != nil {
		return fmt.Errorf("decision logger: %w", err)
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close decision logger")
		}
	}()

	health := metrics.NewHealthStatus(3*market.Interval() + cfg.IdleInterval)
	if cfg.MetricsAddr != "" {
		server := metrics.NewServer(cfg.MetricsAddr, reg, health, log)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("metrics server shutdown failed")
			}
		}()
	}

	bot := engine.New(cfg, engine.Deps{
		Market:     market,
		Exchange:   exchange,
		Supervisor: supervisor,
		Ledger:     l,
		Strategy:   strategy.NewMACDRSI(cfg.StrategyParams()),
		Gate:       risk.NewGate(log),
		State:      store,
		Decisions:  decisions,
		Metrics:    m,
		Health:     health,
	}, log)

	log.Info().Str("mode", string(cfg.Mode)).Str("symbol", cfg.Symbol).Str("timeframe", cfg.Timeframe).
		Str("order_type", cfg.OrderType).Msg("starting bot")
	if err := bot.Start(ctx); err != nil {
		return err
	}
	return bot.Run(ctx)
}

// buildNotifier always logs alerts and fans out to the configured remote
// channels through a bounded queue.
func buildNotifier(cfg config.Config, runID string, log zerolog.Logger) *notification.Async {
	sinks := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.TelegramToken != "" {
		tg, err := notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Warn().Err(err).Msg("telegram disabled")
		} else {
			sinks = append(sinks, tg)
		}
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.WebhookURL, runID, log))
	}
	return notification.NewAsync(sinks, 64, log)
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	return timestamp + "-" + uuid.NewString()[:8]
}
