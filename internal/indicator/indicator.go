// Package indicator computes technical indicator series over close prices.
//
// Every function returns a slice aligned with its input. Positions inside the
// warm-up window hold NaN, so callers can tell "not enough data yet" apart from
// a real value of zero.
package indicator

import "math"

// EMA calculates an exponential moving average seeded with the SMA of the
// first period values. Output[i] is NaN until i >= period-1.
// NaN inputs are skipped until the first finite value so that EMA can be
// chained onto another indicator's warm-up.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return out
	}

	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	seedIdx := start + period - 1
	current := sum / float64(period)
	out[seedIdx] = current

	multiplier := 2.0 / float64(period+1)
	for i := seedIdx + 1; i < len(values); i++ {
		current = (values[i] * multiplier) + (current * (1 - multiplier))
		out[i] = current
	}
	return out
}

// MACD returns the oscillator line (fast EMA minus slow EMA), its signal line
// (EMA of the oscillator) and the histogram (oscillator minus signal).
// The histogram is first defined at index slow-1 + signal-1.
func MACD(values []float64, fast, slow, signal int) (macd, signalLine, hist []float64) {
	macd = nanSlice(len(values))
	hist = nanSlice(len(values))
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return macd, nanSlice(len(values)), hist
	}

	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	for i := range values {
		if math.IsNaN(fastEMA[i]) || math.IsNaN(slowEMA[i]) {
			continue
		}
		macd[i] = fastEMA[i] - slowEMA[i]
	}

	signalLine = EMA(macd, signal)
	for i := range values {
		if math.IsNaN(macd[i]) || math.IsNaN(signalLine[i]) {
			continue
		}
		hist[i] = macd[i] - signalLine[i]
	}
	return macd, signalLine, hist
}

// RSI calculates the Relative Strength Index using Wilder's smoothing.
// Output[i] is NaN until i >= period. Values are bounded to [0, 100].
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		gain, loss := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

// Lookback returns the number of values needed before MACD produces two
// consecutive histogram values, which crossover detection requires.
func Lookback(slow, signal int) int {
	return slow + signal
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
