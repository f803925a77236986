package md

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	applog "cryptobot/internal/logger"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	// ErrMarketData marks a transient market data failure.
	ErrMarketData = errors.New("market data unavailable")
	// ErrEmptyBatch means the venue returned no closed candles yet.
	ErrEmptyBatch = errors.New("empty candle batch")
)

// Candle is one closed OHLCV bucket. OpenTime is a unix epoch in milliseconds.
type Candle struct {
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Time returns OpenTime as a UTC time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Time   time.Time
}

type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

type OrderBook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
}

// dataAPI is the subset of the alpaca market data client the bot uses.
type dataAPI interface {
	GetCryptoBars(symbol string, req marketdata.GetCryptoBarsRequest) ([]marketdata.CryptoBar, error)
	GetLatestCryptoTrade(symbol string, req marketdata.GetLatestCryptoTradeRequest) (*marketdata.CryptoTrade, error)
	GetLatestCryptoQuote(symbol string, req marketdata.GetLatestCryptoQuoteRequest) (*marketdata.CryptoQuote, error)
}

type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Timeframe  string
	Limiter    *rate.Limiter
	MaxRetries uint64
	Logger     zerolog.Logger
}

type Client struct {
	api        dataAPI
	timeframe  marketdata.TimeFrame
	interval   time.Duration
	limiter    *rate.Limiter
	maxRetries uint64
	newBackOff func() backoff.BackOff
	now        func() time.Time
	logger     zerolog.Logger
}

func New(opts Options) (*Client, error) {
	tf, interval, err := ParseTimeframe(opts.Timeframe)
	if err != nil {
		return nil, err
	}
	api := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	c := newClient(api, tf, interval, opts.Limiter, opts.Logger)
	c.maxRetries = opts.MaxRetries
	return c, nil
}

func newClient(api dataAPI, tf marketdata.TimeFrame, interval time.Duration, limiter *rate.Limiter, logger zerolog.Logger) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		api:        api,
		timeframe:  tf,
		interval:   interval,
		limiter:    limiter,
		maxRetries: 2,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		now:        time.Now,
		logger:     applog.Component(logger, "md"),
	}
}

// Interval is the candle bucket length.
func (c *Client) Interval() time.Duration {
	return c.interval
}

// FetchCandles returns up to limit closed candles, oldest first. A trailing
// bar whose bucket has not finished yet is dropped.
func (c *Client) FetchCandles(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	now := c.now().UTC()
	req := marketdata.GetCryptoBarsRequest{
		TimeFrame: c.timeframe,
		Start:     now.Add(-c.interval * time.Duration(limit+2)),
		End:       now,
	}

	var bars []marketdata.CryptoBar
	err := c.retry(ctx, func() error {
		var err error
		bars, err = c.api.GetCryptoBars(symbol, req)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("fetch candles failed")
		return nil, fmt.Errorf("%w: fetch candles %s: %v", ErrMarketData, symbol, err)
	}

	candles := make([]Candle, 0, len(bars))
	for _, bar := range bars {
		candles = append(candles, Candle{
			OpenTime: bar.Timestamp.UnixMilli(),
			Open:     decimal.NewFromFloat(bar.Open),
			High:     decimal.NewFromFloat(bar.High),
			Low:      decimal.NewFromFloat(bar.Low),
			Close:    decimal.NewFromFloat(bar.Close),
			Volume:   decimal.NewFromFloat(bar.Volume),
		})
	}
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})

	if n := len(candles); n > 0 {
		closesAt := candles[n-1].Time().Add(c.interval)
		if closesAt.After(now) {
			candles = candles[:n-1]
		}
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBatch, symbol)
	}

	c.logger.Debug().Str("symbol", symbol).Int("count", len(candles)).Msg("candles fetched")
	return candles, nil
}

// FetchTicker returns the latest trade price.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var trade *marketdata.CryptoTrade
	err := c.retry(ctx, func() error {
		var err error
		trade, err = c.api.GetLatestCryptoTrade(symbol, marketdata.GetLatestCryptoTradeRequest{})
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("fetch ticker failed")
		return Ticker{}, fmt.Errorf("%w: fetch ticker %s: %v", ErrMarketData, symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return Ticker{}, fmt.Errorf("%w: no last price for %s", ErrMarketData, symbol)
	}
	return Ticker{
		Symbol: symbol,
		Last:   decimal.NewFromFloat(trade.Price),
		Time:   trade.Timestamp,
	}, nil
}

// FetchOrderBook returns the top of book built from the latest quote. The
// REST API has no depth endpoint, so each side holds at most one level and a
// side is empty when its price or size is not positive.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	var quote *marketdata.CryptoQuote
	err := c.retry(ctx, func() error {
		var err error
		quote, err = c.api.GetLatestCryptoQuote(symbol, marketdata.GetLatestCryptoQuoteRequest{})
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("fetch quote failed")
		return OrderBook{}, fmt.Errorf("%w: fetch quote %s: %v", ErrMarketData, symbol, err)
	}
	book := OrderBook{Symbol: symbol}
	if quote == nil {
		return book, nil
	}
	if quote.BidPrice > 0 && quote.BidSize > 0 {
		book.Bids = []Level{{Price: decimal.NewFromFloat(quote.BidPrice), Size: decimal.NewFromFloat(quote.BidSize)}}
	}
	if quote.AskPrice > 0 && quote.AskSize > 0 {
		book.Asks = []Level{{Price: decimal.NewFromFloat(quote.AskPrice), Size: decimal.NewFromFloat(quote.AskSize)}}
	}
	return book, nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, policy)
}

// ParseTimeframe accepts alpaca style timeframes such as 1Min, 15Min, 1Hour, 1Day.
func ParseTimeframe(value string) (marketdata.TimeFrame, time.Duration, error) {
	var n int
	var unit string
	if _, err := fmt.Sscanf(value, "%d%s", &n, &unit); err != nil || n <= 0 {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid timeframe: %q", value)
	}
	switch unit {
	case "Min", "T", "m":
		return marketdata.NewTimeFrame(n, marketdata.Min), time.Duration(n) * time.Minute, nil
	case "Hour", "H", "h":
		return marketdata.NewTimeFrame(n, marketdata.Hour), time.Duration(n) * time.Hour, nil
	case "Day", "D", "d":
		return marketdata.NewTimeFrame(n, marketdata.Day), time.Duration(n) * 24 * time.Hour, nil
	default:
		return marketdata.TimeFrame{}, 0, fmt.Errorf("unsupported timeframe unit: %q", value)
	}
}
