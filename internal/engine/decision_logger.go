package engine

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"sync"
	"time"

	applog "cryptobot/internal/logger"
	"cryptobot/internal/strategy"

	"github.com/rs/zerolog"
)

// Decision is one NDJSON line per evaluated candle.
type Decision struct {
	RunID         string          `json:"run_id"`
	Timestamp     time.Time       `json:"timestamp"`
	CandleTime    time.Time       `json:"candle_time"`
	Symbol        string          `json:"symbol"`
	Close         float64         `json:"close"`
	PrevHistogram *float64        `json:"prev_histogram,omitempty"`
	Histogram     *float64        `json:"histogram,omitempty"`
	RSI           *float64        `json:"rsi,omitempty"`
	Signal        strategy.Signal `json:"signal"`
	Reason        strategy.Reason `json:"reason"`
	Holding       bool            `json:"holding"`
	Result        string          `json:"result"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	OrderStatus   string          `json:"order_status,omitempty"`
	Qty           string          `json:"qty,omitempty"`
}

func newDecision(runID, symbol string, now time.Time, eval strategy.Evaluation) Decision {
	return Decision{
		RunID:         runID,
		Timestamp:     now,
		CandleTime:    eval.CandleTime,
		Symbol:        symbol,
		Close:         eval.Close,
		PrevHistogram: finite(eval.PrevHistogram),
		Histogram:     finite(eval.Histogram),
		RSI:           finite(eval.RSI),
		Signal:        eval.Signal,
		Reason:        eval.Reason,
	}
}

// finite drops NaN and Inf, which encoding/json cannot represent.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

type DecisionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
	logger zerolog.Logger
}

func NewDecisionLogger(path string, runID string, logger zerolog.Logger) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
		logger: applog.Component(logger, "decisions"),
	}, nil
}

func (d *DecisionLogger) RunID() string {
	return d.runID
}

func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := json.Marshal(decision)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to marshal decision")
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		d.logger.Error().Err(err).Msg("failed to write decision")
		return
	}
	if err := d.writer.Flush(); err != nil {
		d.logger.Error().Err(err).Msg("failed to flush decision log")
	}
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}
