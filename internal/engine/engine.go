package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptobot/internal/broker"
	"cryptobot/internal/config"
	"cryptobot/internal/ledger"
	applog "cryptobot/internal/logger"
	"cryptobot/internal/md"
	"cryptobot/internal/metrics"
	"cryptobot/internal/risk"
	"cryptobot/internal/state"
	"cryptobot/internal/strategy"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrFatal stops the loop. Everything else is retried after a backoff.
var ErrFatal = errors.New("fatal")

type Deps struct {
	Market     MarketData
	Exchange   Exchange
	Supervisor *Supervisor
	Ledger     *ledger.Ledger
	Strategy   strategy.Strategy
	Gate       risk.Gate
	State      *state.Store
	Decisions  *DecisionLogger
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
}

type Engine struct {
	cfg        config.Config
	market     MarketData
	exchange   Exchange
	supervisor *Supervisor
	ledger     *ledger.Ledger
	strategy   strategy.Strategy
	gate       risk.Gate
	state      *state.Store
	decisions  *DecisionLogger
	metrics    *metrics.Metrics
	health     *metrics.HealthStatus
	marker     ShutdownMarker
	runID      string
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	logger     zerolog.Logger
}

func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Engine {
	runID := "run"
	if deps.Decisions != nil {
		runID = deps.Decisions.RunID()
	}
	return &Engine{
		cfg:        cfg,
		market:     deps.Market,
		exchange:   deps.Exchange,
		supervisor: deps.Supervisor,
		ledger:     deps.Ledger,
		strategy:   deps.Strategy,
		gate:       deps.Gate,
		state:      deps.State,
		decisions:  deps.Decisions,
		metrics:    deps.Metrics,
		health:     deps.Health,
		marker:     NewShutdownMarker(cfg.ShutdownFile),
		runID:      runID,
		now:        time.Now,
		sleep:      broker.WaitForContext,
		logger:     applog.Component(logger, "engine").With().Str("symbol", cfg.Symbol).Logger(),
	}
}

// Start performs the initial reconciliation. Rejected credentials are fatal
// unless no orders will ever be placed.
func (e *Engine) Start(ctx context.Context) error {
	pos, err := e.ledger.Reconcile(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrAuthentication) && e.cfg.Mode != config.ModeDryRun {
			return fmt.Errorf("%w: initial reconcile: %v", ErrFatal, err)
		}
		e.logger.Warn().Err(err).Msg("initial reconcile failed, starting flat")
		if e.metrics != nil {
			e.metrics.ReconcileErrors.Inc()
		}
	}
	e.logger.Info().Str("mode", string(e.cfg.Mode)).Str("held", pos.HeldQty.String()).
		Bool("holding", e.ledger.Holding()).Int("open_orders", e.state.OpenOrderCount()).Msg("engine started")
	return nil
}

// Run repeats RunOnce until ctx is done, the shutdown marker appears or an
// iteration returns ErrFatal. The marker is removed on exit.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stop()
	for {
		delay, err := e.RunOnce(ctx)
		if e.health != nil {
			e.health.MarkIteration(err)
		}
		if err != nil {
			if errors.Is(err, ErrFatal) {
				e.logger.Error().Err(err).Msg("fatal error, stopping")
				return err
			}
			e.logger.Warn().Err(err).Dur("backoff", delay).Msg("iteration failed")
		}
		if e.shutdownRequested(ctx) {
			return nil
		}
		if err := e.sleep(ctx, delay); err != nil {
			e.logger.Info().Msg("context cancelled, stopping")
			return nil
		}
		if e.shutdownRequested(ctx) {
			return nil
		}
	}
}

// RunOnce runs a single iteration and returns how long to wait before the
// next one. Panics are converted into an error with the error backoff.
func (e *Engine) RunOnce(ctx context.Context) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("iteration panicked")
			if e.metrics != nil {
				e.metrics.IterationErrors.WithLabelValues("panic").Inc()
			}
			delay, err = e.cfg.ErrorBackoff, fmt.Errorf("iteration panic: %v", r)
		}
	}()
	if e.metrics != nil {
		e.metrics.Iterations.Inc()
	}

	e.resolveOpenOrders(ctx)

	candles, err := e.market.FetchCandles(ctx, e.cfg.Symbol, e.cfg.CandleLimit)
	if errors.Is(err, md.ErrEmptyBatch) || (err == nil && len(candles) == 0) {
		e.logger.Debug().Msg("no closed candles yet")
		return e.cfg.IdleInterval, nil
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.IterationErrors.WithLabelValues("fetch").Inc()
		}
		return e.cfg.FetchBackoff, fmt.Errorf("fetch candles: %w", err)
	}

	latest := candles[len(candles)-1].Time()
	if !latest.After(e.state.LastCandleTime()) {
		return e.cfg.IdleInterval, nil
	}
	e.state.SetLastCandleTime(latest)
	e.saveCheckpoint()
	if e.health != nil {
		e.health.SetLastCandleTime(latest)
	}

	eval := e.strategy.Analyze(candles)
	if e.metrics != nil {
		e.metrics.CandlesEvaluated.Inc()
		e.metrics.Signals.WithLabelValues(string(eval.Signal), string(eval.Reason)).Inc()
		e.metrics.LastCandleTime.Set(float64(latest.Unix()))
	}
	e.logger.Info().Time("candle_time", latest).Float64("close", eval.Close).Str("signal", string(eval.Signal)).
		Str("reason", string(eval.Reason)).Float64("histogram", eval.Histogram).Float64("rsi", eval.RSI).Msg("new candle evaluated")

	decision := newDecision(e.runID, e.cfg.Symbol, e.now().UTC(), eval)
	decision.Holding = e.ledger.Holding()
	e.handleSignal(ctx, eval, &decision)
	e.appendDecision(decision)
	e.updateGauges()
	return 0, nil
}

func (e *Engine) handleSignal(ctx context.Context, eval strategy.Evaluation, decision *Decision) {
	if eval.Signal == strategy.Wait {
		decision.Result = "wait"
		return
	}

	price := decimal.NewFromFloat(eval.Close)
	qty := e.ledger.Held()
	if eval.Signal == strategy.Buy && price.IsPositive() {
		qty = decimal.NewFromFloat(e.cfg.InvestmentAmount).Div(price).Round(int32(e.cfg.QtyPrecision))
	}
	snapshot := e.state.Snapshot()
	riskCtx := risk.RiskContext{
		Now:            e.now().UTC(),
		Price:          price,
		Qty:            qty,
		Holding:        e.ledger.Holding(),
		OpenOrderCount: len(snapshot.OpenOrders),
		LastTradeTime:  snapshot.LastTradeTime,
		MaxNotional:    decimal.NewFromFloat(e.cfg.MaxNotional),
		Cooldown:       e.cfg.Cooldown,
		KillSwitch:     e.cfg.KillSwitch,
	}
	decision.Qty = qty.String()

	if _, err := e.gate.Evaluate(eval.Signal, riskCtx); err != nil {
		decision.Result = "rejected"
		decision.RejectReason = err.Error()
		if e.metrics != nil {
			e.metrics.RiskRejections.WithLabelValues(err.Error()).Inc()
		}
		return
	}

	if e.cfg.Mode == config.ModeDryRun {
		decision.Result = "dry_run"
		e.logger.Info().Str("signal", string(eval.Signal)).Str("qty", qty.String()).Msg("dry run, order not placed")
		return
	}

	side := broker.Buy
	if eval.Signal == strategy.Sell {
		side = broker.Sell
	}
	// The order is driven to a terminal state even if shutdown starts meanwhile.
	outcome := e.supervisor.Execute(context.WithoutCancel(ctx), side, e.cfg.Symbol)

	decision.OrderID = outcome.OrderID
	decision.ClientOrderID = outcome.ClientOrderID
	decision.OrderStatus = string(outcome.Status)
	decision.Qty = outcome.Qty.String()
	switch {
	case outcome.Success():
		decision.Result = "order_filled"
	case outcome.Submitted():
		decision.Result = "order_" + strings.ToLower(string(outcome.Status))
	default:
		decision.Result = "order_failed"
	}
	if outcome.Err != nil {
		decision.RejectReason = outcome.Err.Error()
	}

	if outcome.Submitted() {
		e.state.SetLastTradeTime(e.now().UTC())
	}
	if outcome.PossiblyLive {
		e.state.TrackOrder(state.OpenOrder{
			OrderID:       outcome.OrderID,
			ClientOrderID: outcome.ClientOrderID,
			Symbol:        outcome.Symbol,
			Side:          string(outcome.Side),
			Qty:           outcome.Qty,
			Status:        string(outcome.Status),
			SubmittedAt:   outcome.SubmittedAt,
		})
	}
	e.saveCheckpoint()
}

func (e *Engine) shutdownRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		e.logger.Info().Msg("shutdown signal received")
		return true
	}
	if e.marker.Requested() {
		e.logger.Info().Str("file", e.cfg.ShutdownFile).Msg("shutdown file detected")
		return true
	}
	return false
}

func (e *Engine) stop() {
	e.saveCheckpoint()
	if err := e.marker.Clear(); err != nil {
		e.logger.Warn().Err(err).Str("file", e.cfg.ShutdownFile).Msg("failed to remove shutdown file")
	}
	e.logger.Info().Msg("engine stopped")
}

func (e *Engine) saveCheckpoint() {
	if e.cfg.CheckpointPath == "" {
		return
	}
	if err := e.state.Save(e.cfg.CheckpointPath); err != nil {
		e.logger.Warn().Err(err).Str("path", e.cfg.CheckpointPath).Msg("failed to save checkpoint")
	}
}

func (e *Engine) appendDecision(decision Decision) {
	if e.decisions != nil {
		e.decisions.Append(decision)
	}
}

func (e *Engine) updateGauges() {
	openOrders := e.state.OpenOrderCount()
	if e.metrics != nil {
		e.metrics.OpenOrders.Set(float64(openOrders))
		e.metrics.HeldQty.Set(e.ledger.Held().InexactFloat64())
	}
	if e.health != nil {
		e.health.SetPosition(e.ledger.Holding(), openOrders)
	}
}
