package risk

import (
	"errors"
	"time"

	applog "cryptobot/internal/logger"
	"cryptobot/internal/strategy"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyHolding  = errors.New("already_holding")
	ErrNoPosition      = errors.New("no_position_to_sell")
	ErrKillSwitch      = errors.New("kill_switch_enabled")
	ErrOpenOrder       = errors.New("open_order_exists")
	ErrCooldown        = errors.New("cooldown_active")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrMaxNotional     = errors.New("max_notional_exceeded")
)

type RiskContext struct {
	Now            time.Time
	Price          decimal.Decimal
	Qty            decimal.Decimal
	Holding        bool
	OpenOrderCount int
	LastTradeTime  time.Time
	MaxNotional    decimal.Decimal
	Cooldown       time.Duration
	KillSwitch     bool
}

type Approval struct {
	Signal strategy.Signal
	Reason string
}

type Gate struct {
	logger zerolog.Logger
}

func NewGate(logger zerolog.Logger) Gate {
	return Gate{logger: applog.Component(logger, "risk")}
}

// Evaluate decides whether a signal may become an order. WAIT is always
// approved since it never trades.
func (g Gate) Evaluate(signal strategy.Signal, ctx RiskContext) (Approval, error) {
	if signal == strategy.Wait {
		return Approval{Signal: signal, Reason: "wait"}, nil
	}

	notional := ctx.Price.Mul(ctx.Qty)
	g.logger.Info().Str("signal", string(signal)).Str("qty", ctx.Qty.String()).Bool("holding", ctx.Holding).
		Str("price", ctx.Price.String()).Str("notional", notional.String()).Msg("risk evaluation")

	if signal == strategy.Buy && ctx.Holding {
		return g.reject(ErrAlreadyHolding)
	}
	if signal == strategy.Sell && !ctx.Holding {
		return g.reject(ErrNoPosition)
	}
	if ctx.KillSwitch {
		return g.reject(ErrKillSwitch)
	}
	if ctx.OpenOrderCount > 0 {
		g.logger.Info().Int("count", ctx.OpenOrderCount).Msg("open orders pending")
		return g.reject(ErrOpenOrder)
	}
	if !ctx.LastTradeTime.IsZero() && ctx.Now.Sub(ctx.LastTradeTime) < ctx.Cooldown {
		remaining := ctx.Cooldown - ctx.Now.Sub(ctx.LastTradeTime)
		g.logger.Info().Dur("remaining", remaining).Msg("cooldown")
		return g.reject(ErrCooldown)
	}
	if !ctx.Qty.IsPositive() {
		return g.reject(ErrInvalidQuantity)
	}
	if signal == strategy.Buy && ctx.MaxNotional.IsPositive() && notional.GreaterThan(ctx.MaxNotional) {
		g.logger.Info().Str("max", ctx.MaxNotional.String()).Msg("notional above limit")
		return g.reject(ErrMaxNotional)
	}

	g.logger.Info().Str("signal", string(signal)).Str("qty", ctx.Qty.String()).Msg("risk approved")
	return Approval{Signal: signal, Reason: "approved"}, nil
}

func (g Gate) reject(reason error) (Approval, error) {
	g.logger.Info().Str("reason", reason.Error()).Msg("risk rejected")
	return Approval{}, reason
}
