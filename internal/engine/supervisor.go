package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cryptobot/internal/broker"
	"cryptobot/internal/journal"
	"cryptobot/internal/ledger"
	applog "cryptobot/internal/logger"
	"cryptobot/internal/md"
	"cryptobot/internal/metrics"
	"cryptobot/internal/notification"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrOversellRejected      = errors.New("oversell rejected")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrOrderSubmissionFailed = errors.New("order submission failed")
)

// MarketData is the read side of the exchange.
type MarketData interface {
	FetchCandles(ctx context.Context, symbol string, limit int) ([]md.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (md.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string) (md.OrderBook, error)
}

// Exchange is the order side of the exchange.
type Exchange interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error)
	FetchOrder(ctx context.Context, id, symbol string) (broker.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
}

// TradeRecorder persists terminal outcomes.
type TradeRecorder interface {
	Record(ctx context.Context, t journal.Trade) error
}

// Outcome is the terminal result of one Execute call. Status is empty when
// the order was never submitted.
type Outcome struct {
	Status        broker.OrderStatus
	RawStatus     string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          broker.Side
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Price         decimal.Decimal
	SubmittedAt   time.Time
	// PossiblyLive is set when a cancellation could not be confirmed.
	PossiblyLive bool
	Err          error
}

func (o Outcome) Success() bool {
	return o.Status == broker.StatusClosed
}

func (o Outcome) Submitted() bool {
	return o.OrderID != ""
}

type SupervisorConfig struct {
	InvestmentAmount decimal.Decimal
	QtyPrecision     int32
	OrderType        broker.OrderType
	TimeInForce      string
	PollInterval     time.Duration
	Timeout          time.Duration
}

type SupervisorOption func(*Supervisor)

func WithNotifier(n notification.Notifier) SupervisorOption {
	return func(s *Supervisor) { s.notifier = n }
}

func WithJournal(r TradeRecorder) SupervisorOption {
	return func(s *Supervisor) { s.journal = r }
}

func WithMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock replaces time.Now and the context-aware sleep, mainly for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) SupervisorOption {
	return func(s *Supervisor) {
		s.now = now
		s.sleep = sleep
	}
}

func WithRunID(runID string) SupervisorOption {
	return func(s *Supervisor) { s.runID = runID }
}

// Supervisor drives a single order from sizing to a terminal status.
type Supervisor struct {
	cfg      SupervisorConfig
	market   MarketData
	exchange Exchange
	ledger   *ledger.Ledger
	notifier notification.Notifier
	journal  TradeRecorder
	metrics  *metrics.Metrics
	runID    string
	seq      uint64
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   zerolog.Logger
}

func NewSupervisor(cfg SupervisorConfig, market MarketData, exchange Exchange, l *ledger.Ledger, logger zerolog.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		market:   market,
		exchange: exchange,
		ledger:   l,
		runID:    "run",
		now:      time.Now,
		sleep:    broker.WaitForContext,
		logger:   applog.Component(logger, "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute sizes, submits and supervises one order. It always returns a
// terminal outcome and never retries a submission.
func (s *Supervisor) Execute(ctx context.Context, side broker.Side, symbol string) Outcome {
	outcome := Outcome{Symbol: symbol, Side: side}

	ticker, err := s.market.FetchTicker(ctx, symbol)
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
		return s.finish(ctx, outcome)
	}
	outcome.Price = ticker.Last

	var qty decimal.Decimal
	switch side {
	case broker.Buy:
		qty = s.cfg.InvestmentAmount.Div(ticker.Last).Round(s.cfg.QtyPrecision)
	case broker.Sell:
		qty = s.ledger.Held()
	default:
		outcome.Err = fmt.Errorf("%w: unsupported side %q", ErrInvalidQuantity, side)
		return s.finish(ctx, outcome)
	}
	outcome.Qty = qty
	if !qty.IsPositive() {
		outcome.Err = fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
		return s.finish(ctx, outcome)
	}

	if side == broker.Sell {
		held, err := s.checkSell(ctx, symbol, qty)
		if err != nil {
			outcome.Err = err
			return s.finish(ctx, outcome)
		}
		qty = held
		outcome.Qty = qty
	}

	req := broker.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          s.cfg.OrderType,
		Qty:           qty,
		TimeInForce:   s.cfg.TimeInForce,
		ClientOrderID: s.nextClientOrderID(),
	}
	if s.cfg.OrderType == broker.Limit {
		price := ticker.Last
		req.LimitPrice = &price
	}
	outcome.ClientOrderID = req.ClientOrderID

	order, err := s.exchange.PlaceOrder(ctx, req)
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %w", ErrOrderSubmissionFailed, err)
		return s.finish(ctx, outcome)
	}
	outcome.OrderID = order.ID
	outcome.SubmittedAt = s.now()
	s.logger.Info().Str("symbol", symbol).Str("side", string(side)).Str("qty", qty.String()).
		Str("order_id", order.ID).Str("client_order_id", req.ClientOrderID).Msg("order submitted")

	return s.finish(ctx, s.supervise(ctx, outcome, order))
}

// checkSell reconciles and returns the quantity to sell, which is the whole
// reconciled position. It refuses when the requested quantity exceeds what the
// exchange reports or when the book has no bids.
func (s *Supervisor) checkSell(ctx context.Context, symbol string, requested decimal.Decimal) (decimal.Decimal, error) {
	pos, err := s.ledger.Reconcile(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if requested.GreaterThan(pos.HeldQty) {
		return decimal.Zero, fmt.Errorf("%w: requested %s, held %s", ErrOversellRejected, requested, pos.HeldQty)
	}
	book, err := s.market.FetchOrderBook(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrInsufficientLiquidity, err)
	}
	if len(book.Bids) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no bids for %s", ErrInsufficientLiquidity, symbol)
	}
	if !requested.Equal(pos.HeldQty) {
		s.logger.Info().Str("symbol", symbol).Str("requested", requested.String()).
			Str("held", pos.HeldQty.String()).Msg("sell resized to reconciled position")
	}
	return pos.HeldQty, nil
}

func (s *Supervisor) supervise(ctx context.Context, outcome Outcome, order broker.Order) Outcome {
	// The submission response may carry a status we do not know yet; only a
	// polled unknown status is final.
	if order.Status == broker.StatusUnknown {
		order.Status = broker.StatusOpen
	}

	for {
		outcome.RawStatus = order.RawStatus
		outcome.FilledQty = order.FilledQty
		outcome.AvgPrice = order.AvgPrice

		switch order.Status {
		case broker.StatusClosed:
			return s.filled(ctx, outcome)
		case broker.StatusCanceled, broker.StatusExpired:
			outcome.Status = order.Status
			s.reconcileAfterPartial(ctx, outcome)
			return outcome
		case broker.StatusUnknown:
			s.logger.Warn().Str("order_id", outcome.OrderID).Str("raw_status", order.RawStatus).Msg("unrecognized order status")
			outcome.Status = broker.OrderStatus(order.RawStatus)
			if outcome.Status == "" {
				outcome.Status = broker.StatusUnknown
			}
			return outcome
		}

		if s.now().Sub(outcome.SubmittedAt) > s.cfg.Timeout {
			return s.cancel(ctx, outcome)
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return s.cancel(ctx, outcome)
		}

		polled, err := s.exchange.FetchOrder(ctx, outcome.OrderID, outcome.Symbol)
		if err != nil {
			s.logger.Warn().Err(err).Str("order_id", outcome.OrderID).Msg("order status poll failed")
			continue
		}
		order = polled
	}
}

// cancel is attempted exactly once. Failure leaves the order possibly live.
func (s *Supervisor) cancel(ctx context.Context, outcome Outcome) Outcome {
	s.logger.Warn().Str("order_id", outcome.OrderID).Dur("timeout", s.cfg.Timeout).Msg("order timed out, cancelling")
	if err := s.exchange.CancelOrder(ctx, outcome.OrderID, outcome.Symbol); err != nil {
		outcome.Status = broker.StatusExpired
		outcome.PossiblyLive = true
		outcome.Err = fmt.Errorf("cancel order %s: %w", outcome.OrderID, err)
		return outcome
	}
	outcome.Status = broker.StatusCanceled
	s.reconcileAfterPartial(ctx, outcome)
	return outcome
}

func (s *Supervisor) filled(ctx context.Context, outcome Outcome) Outcome {
	outcome.Status = broker.StatusClosed
	fillQty := outcome.FilledQty
	if !fillQty.IsPositive() {
		fillQty = outcome.Qty
	}
	s.ledger.ApplyFill(ledger.Side(outcome.Side), fillQty)
	if _, err := s.ledger.Reconcile(ctx); err != nil {
		s.logger.Warn().Err(err).Str("order_id", outcome.OrderID).Msg("post-fill reconcile failed")
	}
	return outcome
}

func (s *Supervisor) reconcileAfterPartial(ctx context.Context, outcome Outcome) {
	if !outcome.FilledQty.IsPositive() {
		return
	}
	if _, err := s.ledger.Reconcile(ctx); err != nil {
		s.logger.Warn().Err(err).Str("order_id", outcome.OrderID).Msg("reconcile after partial fill failed")
	}
}

func (s *Supervisor) finish(ctx context.Context, outcome Outcome) Outcome {
	event := s.logger.Info()
	if !outcome.Success() {
		event = s.logger.Error().Err(outcome.Err)
	}
	event.Str("symbol", outcome.Symbol).Str("side", string(outcome.Side)).Str("qty", outcome.Qty.String()).
		Str("order_id", outcome.OrderID).Str("status", string(outcome.Status)).
		Str("filled_qty", outcome.FilledQty.String()).Str("avg_price", outcome.AvgPrice.String()).Msg("order outcome")

	if s.metrics != nil {
		status := string(outcome.Status)
		if status == "" {
			status = "NOT_SUBMITTED"
		}
		s.metrics.Orders.WithLabelValues(string(outcome.Side), status).Inc()
		if outcome.Submitted() {
			s.metrics.OrderDuration.Observe(s.now().Sub(outcome.SubmittedAt).Seconds())
		}
		s.metrics.HeldQty.Set(s.ledger.Held().InexactFloat64())
	}

	if outcome.Submitted() && s.journal != nil {
		trade := journal.Trade{
			RunID:         s.runID,
			OrderID:       outcome.OrderID,
			ClientOrderID: outcome.ClientOrderID,
			Symbol:        outcome.Symbol,
			Side:          string(outcome.Side),
			Status:        string(outcome.Status),
			Qty:           outcome.Qty,
			FilledQty:     outcome.FilledQty,
			AvgPrice:      outcome.AvgPrice,
			Price:         outcome.Price,
			SubmittedAt:   outcome.SubmittedAt,
			FinishedAt:    s.now(),
		}
		if outcome.Err != nil {
			trade.Error = outcome.Err.Error()
		}
		if err := s.journal.Record(ctx, trade); err != nil {
			s.logger.Warn().Err(err).Str("order_id", outcome.OrderID).Msg("journal write failed")
		}
	}

	if !outcome.Success() && s.notifier != nil {
		if err := s.notifier.Send(ctx, outcomeAlert(outcome)); err != nil {
			s.logger.Debug().Err(err).Msg("alert not queued")
		}
	}
	return outcome
}

func outcomeAlert(o Outcome) notification.Alert {
	level := notification.LevelWarning
	title := fmt.Sprintf("%s order failed", strings.ToUpper(string(o.Side)))
	if o.PossiblyLive {
		level = notification.LevelCritical
		title = fmt.Sprintf("%s order may still be live", strings.ToUpper(string(o.Side)))
	} else if o.Status != "" {
		title = fmt.Sprintf("%s order %s", strings.ToUpper(string(o.Side)), strings.ToLower(string(o.Status)))
	}
	msg := fmt.Sprintf("symbol=%s side=%s qty=%s order_id=%s status=%s", o.Symbol, o.Side, o.Qty, o.OrderID, o.Status)
	if o.Err != nil {
		msg += " error=" + o.Err.Error()
	}
	return notification.Alert{
		Level:   level,
		Title:   title,
		Message: msg,
		Symbol:  o.Symbol,
		Side:    string(o.Side),
		OrderID: o.OrderID,
	}
}

func (s *Supervisor) nextClientOrderID() string {
	seq := atomic.AddUint64(&s.seq, 1)
	return fmt.Sprintf("%s-%d", s.runID, seq)
}
