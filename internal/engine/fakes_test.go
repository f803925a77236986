package engine

import (
	"context"
	"sync"
	"time"

	"cryptobot/internal/broker"
	"cryptobot/internal/journal"
	"cryptobot/internal/md"
	"cryptobot/internal/notification"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeMarket struct {
	candles     []md.Candle
	candlesErr  error
	candleCalls int
	ticker      md.Ticker
	tickerErr   error
	book        md.OrderBook
	bookErr     error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		ticker: md.Ticker{Symbol: "BTC/USD", Last: dec("50000")},
		book: md.OrderBook{
			Symbol: "BTC/USD",
			Bids:   []md.Level{{Price: dec("49990"), Size: dec("1")}},
			Asks:   []md.Level{{Price: dec("50010"), Size: dec("1")}},
		},
	}
}

func (f *fakeMarket) FetchCandles(ctx context.Context, symbol string, limit int) ([]md.Candle, error) {
	f.candleCalls++
	return f.candles, f.candlesErr
}

func (f *fakeMarket) FetchTicker(ctx context.Context, symbol string) (md.Ticker, error) {
	return f.ticker, f.tickerErr
}

func (f *fakeMarket) FetchOrderBook(ctx context.Context, symbol string) (md.OrderBook, error) {
	return f.book, f.bookErr
}

type pollStep struct {
	order broker.Order
	err   error
}

type fakeExchange struct {
	placeResp   broker.Order
	placeErr    error
	onPlace     func(req broker.OrderRequest)
	polls       []pollStep
	cancelErr   error
	placed      []broker.OrderRequest
	fetchCalls  int
	cancelCalls int
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return broker.Order{}, f.placeErr
	}
	if f.onPlace != nil {
		f.onPlace(req)
	}
	resp := f.placeResp
	resp.ClientOrderID = req.ClientOrderID
	resp.Symbol = req.Symbol
	resp.Side = req.Side
	resp.Qty = req.Qty
	return resp, nil
}

// FetchOrder replays polls in order and repeats the last step once the
// script runs out.
func (f *fakeExchange) FetchOrder(ctx context.Context, id, symbol string) (broker.Order, error) {
	f.fetchCalls++
	if len(f.polls) == 0 {
		return f.placeResp, nil
	}
	step := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return step.order, step.err
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	f.cancelCalls++
	return f.cancelErr
}

type fakeBalances struct {
	balances map[string]decimal.Decimal
	err      error
	calls    int
}

func (f *fakeBalances) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

type recordingJournal struct {
	trades []journal.Trade
}

func (r *recordingJournal) Record(ctx context.Context, t journal.Trade) error {
	r.trades = append(r.trades, t)
	return nil
}

type recordingNotifier struct {
	alerts []notification.Alert
}

func (r *recordingNotifier) Send(ctx context.Context, alert notification.Alert) error {
	r.alerts = append(r.alerts, alert)
	return nil
}
