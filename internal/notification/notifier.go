// Package notification delivers operator alerts for trading events
// (failed orders, expired cancellations, reconciliation problems).
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	applog "cryptobot/internal/logger"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Async when an alert had to be dropped.
var ErrQueueFull = errors.New("notification queue full")

type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one operator notification. Symbol, Side and OrderID are set when
// the alert concerns a specific order.
type Alert struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
	Side    string `json:"side,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// Notifier is implemented by every alert backend.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log. It is always part of the
// fan-out so alerts are visible even with no external channel configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: applog.Component(logger, "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	var event *zerolog.Event
	switch alert.Level {
	case LevelCritical:
		event = n.logger.Error()
	case LevelWarning:
		event = n.logger.Warn()
	default:
		event = n.logger.Info()
	}
	event = event.Str("level", string(alert.Level)).Str("title", alert.Title)
	if alert.Symbol != "" {
		event = event.Str("symbol", alert.Symbol)
	}
	if alert.OrderID != "" {
		event = event.Str("order_id", alert.OrderID)
	}
	event.Msg(alert.Message)
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async decouples alert delivery from the caller. Send never blocks: when the
// queue is full the alert is dropped and logged.
type Async struct {
	next    Notifier
	queue   chan Alert
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Notifier, size int, logger zerolog.Logger) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{
		next:    next,
		queue:   make(chan Alert, size),
		timeout: 10 * time.Second,
		logger:  applog.Component(logger, "notify"),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Send(ctx context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.queue <- alert:
		return nil
	default:
		a.logger.Warn().Str("title", alert.Title).Msg("notification dropped")
		return ErrQueueFull
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) run() {
	defer a.wg.Done()
	for alert := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Send(ctx, alert); err != nil {
			a.logger.Warn().Err(err).Str("title", alert.Title).Msg("notification delivery failed")
		}
		cancel()
	}
}
