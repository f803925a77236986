package strategy

import (
	"fmt"
	"math"

	"cryptobot/internal/indicator"
	"cryptobot/internal/md"
)

type Params struct {
	FastPeriod           int
	SlowPeriod           int
	SignalPeriod         int
	RSIPeriod            int
	MinHistogramDistance float64
	Oversold             float64
	Overbought           float64
}

func DefaultParams() Params {
	return Params{
		FastPeriod:           12,
		SlowPeriod:           26,
		SignalPeriod:         9,
		RSIPeriod:            14,
		MinHistogramDistance: 0.01,
		Oversold:             25,
		Overbought:           75,
	}
}

func (p Params) Validate() error {
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 || p.SignalPeriod <= 0 {
		return fmt.Errorf("macd periods must be > 0")
	}
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("macd fast period must be < slow period")
	}
	if p.RSIPeriod <= 0 {
		return fmt.Errorf("rsi period must be > 0")
	}
	if p.MinHistogramDistance < 0 {
		return fmt.Errorf("min histogram distance must be >= 0")
	}
	if p.Oversold < 0 || p.Overbought > 100 || p.Oversold >= p.Overbought {
		return fmt.Errorf("rsi thresholds must satisfy 0 <= oversold < overbought <= 100")
	}
	return nil
}

// Lookback is the minimum number of candles Analyze needs.
func (p Params) Lookback() int {
	n := indicator.Lookback(p.SlowPeriod, p.SignalPeriod)
	if p.RSIPeriod+1 > n {
		n = p.RSIPeriod + 1
	}
	return n
}

// MACDRSI trades MACD histogram zero crossings confirmed by RSI extremes.
type MACDRSI struct {
	Params Params
}

func NewMACDRSI(params Params) MACDRSI {
	return MACDRSI{Params: params}
}

func (s MACDRSI) Evaluate(candles []md.Candle) Signal {
	return s.Analyze(candles).Signal
}

// Analyze evaluates the last two closed candles of an ascending batch. It
// never panics: short or malformed input yields WAIT with a reason.
func (s MACDRSI) Analyze(candles []md.Candle) Evaluation {
	if len(candles) == 0 {
		return Evaluation{Signal: Wait, Reason: ReasonInsufficientData}
	}
	last := candles[len(candles)-1]
	eval := Evaluation{Signal: Wait, CandleTime: last.Time()}

	closes, ok := closePrices(candles)
	if !ok {
		eval.Reason = ReasonMalformedData
		return eval
	}
	eval.Close = closes[len(closes)-1]
	if len(candles) < s.Params.Lookback() {
		eval.Reason = ReasonInsufficientData
		return eval
	}

	_, _, hist := indicator.MACD(closes, s.Params.FastPeriod, s.Params.SlowPeriod, s.Params.SignalPeriod)
	rsi := indicator.RSI(closes, s.Params.RSIPeriod)
	n := len(closes)
	eval.PrevHistogram = hist[n-2]
	eval.Histogram = hist[n-1]
	eval.RSI = rsi[n-1]

	eval.Signal, eval.Reason = Decide(eval.PrevHistogram, eval.Histogram, eval.RSI, s.Params)
	return eval
}

// Decide applies the crossover and confirmation rules to the last two
// histogram values and the latest RSI.
func Decide(prevHist, lastHist, rsi float64, p Params) (Signal, Reason) {
	if math.IsNaN(prevHist) || math.IsNaN(lastHist) || math.IsNaN(rsi) {
		return Wait, ReasonWarmup
	}

	bullish := prevHist < 0 && lastHist > 0
	bearish := prevHist > 0 && lastHist < 0
	if !bullish && !bearish {
		return Wait, ReasonNoCrossover
	}
	if math.Abs(lastHist) <= p.MinHistogramDistance {
		return Wait, ReasonBelowMinDistance
	}

	if bullish {
		if rsi <= p.Oversold {
			return Buy, ReasonConfirmed
		}
		return Wait, ReasonRSINotConfirmed
	}
	if rsi >= p.Overbought {
		return Sell, ReasonConfirmed
	}
	return Wait, ReasonRSINotConfirmed
}

// closePrices rejects non-positive or non-finite closes and open times that
// do not strictly increase.
func closePrices(candles []md.Candle) ([]float64, bool) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		v := c.Close.InexactFloat64()
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return nil, false
		}
		if i > 0 && c.OpenTime <= candles[i-1].OpenTime {
			return nil, false
		}
		closes[i] = v
	}
	return closes, true
}
