// Package ledger keeps the bot's estimate of how much of the traded asset it
// holds, and corrects it against the exchange balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	applog "cryptobot/internal/logger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrReconciliationFailed = errors.New("reconciliation failed")
	ErrDataIntegrity        = errors.New("data integrity violation")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// BalanceSource reports total quantity per asset.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error)
}

type Position struct {
	Asset   string          `json:"asset"`
	HeldQty decimal.Decimal `json:"held_qty"`
}

// Delta describes a change of HeldQty observed during reconciliation.
type Delta struct {
	Asset    string
	Previous decimal.Decimal
	Current  decimal.Decimal
}

type Option func(*Ledger)

// WithOnDelta registers a hook called whenever reconciliation changes HeldQty.
func WithOnDelta(fn func(Delta)) Option {
	return func(l *Ledger) {
		l.onDelta = fn
	}
}

type Ledger struct {
	mu      sync.RWMutex
	source  BalanceSource
	asset   string
	held    decimal.Decimal
	onDelta func(Delta)
	logger  zerolog.Logger
}

func New(source BalanceSource, asset string, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		source: source,
		asset:  strings.ToUpper(asset),
		held:   decimal.Zero,
		logger: applog.Component(logger, "ledger").With().Str("asset", strings.ToUpper(asset)).Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reconcile overwrites HeldQty with the exchange balance. On any error the
// current value is left untouched.
func (l *Ledger) Reconcile(ctx context.Context) (Position, error) {
	balances, err := l.source.FetchBalance(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("reconcile failed")
		return l.Position(), fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}

	actual, ok := balances[l.asset]
	if !ok {
		actual = decimal.Zero
	}
	if actual.IsNegative() {
		l.logger.Error().Str("reported", actual.String()).Msg("exchange reported negative balance")
		return l.Position(), fmt.Errorf("%w: negative balance %s for %s", ErrDataIntegrity, actual, l.asset)
	}

	l.mu.Lock()
	previous := l.held
	changed := !previous.Equal(actual)
	l.held = actual
	l.mu.Unlock()

	if changed {
		l.logger.Info().Str("previous", previous.String()).Str("current", actual.String()).Msg("position delta")
		if l.onDelta != nil {
			l.onDelta(Delta{Asset: l.asset, Previous: previous, Current: actual})
		}
	}
	return Position{Asset: l.asset, HeldQty: actual}, nil
}

// ApplyFill adjusts HeldQty optimistically after a fill. The result never
// drops below zero.
func (l *Ledger) ApplyFill(side Side, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch side {
	case Buy:
		l.held = l.held.Add(qty)
	case Sell:
		l.held = l.held.Sub(qty)
		if l.held.IsNegative() {
			l.held = decimal.Zero
		}
	}
	l.logger.Debug().Str("side", string(side)).Str("qty", qty.String()).Str("held", l.held.String()).Msg("fill applied")
}

func (l *Ledger) Held() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

// Holding reports whether any quantity of the asset is held.
func (l *Ledger) Holding() bool {
	return l.Held().IsPositive()
}

func (l *Ledger) Asset() string {
	return l.asset
}

func (l *Ledger) Position() Position {
	return Position{Asset: l.asset, HeldQty: l.Held()}
}
