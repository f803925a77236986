package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	applog "cryptobot/internal/logger"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	ErrNetwork        = errors.New("network error")
	ErrExchange       = errors.New("exchange error")
	ErrAuthentication = errors.New("authentication error")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusClosed   OrderStatus = "CLOSED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Live reports whether the venue may still fill the order.
func (s OrderStatus) Live() bool {
	return s == StatusOpen || s == StatusPartial
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	TimeInForce   string
	ClientOrderID string
}

type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	CreatedAt     time.Time
	Status        OrderStatus
	RawStatus     string
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
}

// tradingAPI is the subset of the alpaca trading client the bot uses.
type tradingAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	QuoteAsset string
	Limiter    *rate.Limiter
	MaxRetries uint64
	Logger     zerolog.Logger
}

type Client struct {
	client     tradingAPI
	quoteAsset string
	limiter    *rate.Limiter
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

func New(opts Options) *Client {
	api := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	c := newClient(api, opts.QuoteAsset, opts.Limiter, opts.Logger)
	c.maxRetries = opts.MaxRetries
	return c
}

func newClient(api tradingAPI, quoteAsset string, limiter *rate.Limiter, logger zerolog.Logger) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if quoteAsset == "" {
		quoteAsset = "USD"
	}
	return &Client{
		client:     api,
		quoteAsset: strings.ToUpper(quoteAsset),
		limiter:    limiter,
		maxRetries: 2,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     applog.Component(logger, "broker"),
	}
}

// FetchBalance returns the total (free + locked) quantity per asset. The quote
// asset comes from account cash, base assets from open positions.
func (c *Client) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var acct *alpaca.Account
	var positions []alpaca.Position
	err := c.readWithRetry(ctx, "fetch balance", func() error {
		var err error
		acct, err = c.client.GetAccount()
		if err != nil {
			return err
		}
		positions, err = c.client.GetPositions()
		return err
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("fetch balance failed")
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(positions)+1)
	balances[c.quoteAsset] = acct.Cash
	for _, pos := range positions {
		asset := AssetOf(pos.Symbol, c.quoteAsset)
		balances[asset] = balances[asset].Add(pos.Qty)
	}
	c.logger.Debug().Str("cash", acct.Cash.String()).Int("positions", len(positions)).Msg("balance fetched")
	return balances, nil
}

// PlaceOrder submits once. Submission is never retried here.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Order{}, fmt.Errorf("%w: rate limiter: %v", ErrNetwork, err)
	}
	qty := req.Qty
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		limitPrice := *req.LimitPrice
		orderReq.LimitPrice = &limitPrice
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		c.logger.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).
			Str("qty", req.Qty.String()).Str("type", string(req.Type)).Msg("place order failed")
		return Order{}, classify("place order", err)
	}
	if order == nil {
		return Order{}, fmt.Errorf("%w: place order: empty response", ErrExchange)
	}

	result := convertOrder(order)
	c.logger.Info().Str("order_id", result.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).
		Str("qty", req.Qty.String()).Str("type", string(req.Type)).Str("status", result.RawStatus).Msg("place order success")
	return result, nil
}

func (c *Client) FetchOrder(ctx context.Context, id, symbol string) (Order, error) {
	var order *alpaca.Order
	err := c.readWithRetry(ctx, "fetch order", func() error {
		var err error
		order, err = c.client.GetOrder(id)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("order_id", id).Str("symbol", symbol).Msg("fetch order failed")
		return Order{}, err
	}
	if order == nil {
		return Order{}, fmt.Errorf("%w: fetch order %s: empty response", ErrExchange, id)
	}
	return convertOrder(order), nil
}

// CancelOrder requests cancellation once.
func (c *Client) CancelOrder(ctx context.Context, id, symbol string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrNetwork, err)
	}
	if err := c.client.CancelOrder(id); err != nil {
		c.logger.Error().Err(err).Str("order_id", id).Str("symbol", symbol).Msg("cancel order failed")
		return classify("cancel order", err)
	}
	c.logger.Info().Str("order_id", id).Str("symbol", symbol).Msg("cancel order success")
	return nil
}

func (c *Client) readWithRetry(ctx context.Context, op string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrNetwork, err)
	}
	var last error
	attempt := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		last = classify(op, err)
		if errors.Is(last, ErrNetwork) {
			return last
		}
		return backoff.Permanent(last)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if last != nil {
			return last
		}
		return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
	}
	return nil
}

func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s: %v", ErrAuthentication, op, err)
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
		default:
			return fmt.Errorf("%w: %s: %v", ErrExchange, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
}

func convertOrder(o *alpaca.Order) Order {
	order := Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          Side(o.Side),
		Type:          OrderType(o.Type),
		LimitPrice:    o.LimitPrice,
		CreatedAt:     o.CreatedAt,
		RawStatus:     string(o.Status),
		Status:        MapStatus(string(o.Status)),
		FilledQty:     o.FilledQty,
	}
	if o.Qty != nil {
		order.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		order.AvgPrice = *o.FilledAvgPrice
	}
	return order
}

// MapStatus normalizes an alpaca order status. Statuses with no mapping are
// reported as StatusUnknown and callers keep the raw string.
func MapStatus(raw string) OrderStatus {
	switch strings.ToLower(raw) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel", "pending_replace", "held", "done_for_day", "calculated":
		return StatusOpen
	case "partially_filled":
		return StatusPartial
	case "filled":
		return StatusClosed
	case "canceled", "cancelled":
		return StatusCanceled
	case "expired":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// AssetOf extracts the base asset from a pair like "BTC/USD" or "BTCUSD".
func AssetOf(symbol, quote string) string {
	s := strings.ToUpper(symbol)
	if base, _, ok := strings.Cut(s, "/"); ok {
		return base
	}
	if quote != "" && strings.HasSuffix(s, strings.ToUpper(quote)) && len(s) > len(quote) {
		return strings.TrimSuffix(s, strings.ToUpper(quote))
	}
	return s
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
