package strategy

import (
	"time"

	"cryptobot/internal/md"
)

type Signal string

const (
	Wait Signal = "WAIT"
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
)

// Reason explains why an evaluation produced its signal.
type Reason string

const (
	ReasonInsufficientData Reason = "insufficient_data"
	ReasonMalformedData    Reason = "malformed_data"
	ReasonWarmup           Reason = "warmup"
	ReasonNoCrossover      Reason = "no_crossover"
	ReasonBelowMinDistance Reason = "below_min_distance"
	ReasonRSINotConfirmed  Reason = "rsi_not_confirmed"
	ReasonConfirmed        Reason = "confirmed"
)

type Evaluation struct {
	Signal        Signal    `json:"signal"`
	Reason        Reason    `json:"reason"`
	PrevHistogram float64   `json:"prev_histogram"`
	Histogram     float64   `json:"histogram"`
	RSI           float64   `json:"rsi"`
	Close         float64   `json:"close"`
	CandleTime    time.Time `json:"candle_time"`
}

type Strategy interface {
	Analyze(candles []md.Candle) Evaluation
}
