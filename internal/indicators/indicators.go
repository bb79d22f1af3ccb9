// Package indicators provides the technical indicators the sizing factors
// and grid construction consume.
package indicators

import (
	"math"

	"binance-grid-bot/internal/binance"
)

// CalculateATR calculates the Average True Range over the last period bars
func CalculateATR(klines []binance.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	trSum := 0.0
	startIdx := len(klines) - period

	for i := startIdx; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)

		trSum += tr
	}

	return trSum / float64(period)
}

// CalculateEMA calculates the Exponential Moving Average of closes
func CalculateEMA(klines []binance.Kline, period int) float64 {
	if len(klines) < period {
		return 0
	}

	multiplier := 2.0 / float64(period+1)

	// Seed with SMA of the first period
	ema := 0.0
	for i := 0; i < period; i++ {
		ema += klines[i].Close
	}
	ema /= float64(period)

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close-ema)*multiplier + ema
	}

	return ema
}

// CalculateRSI calculates the Relative Strength Index
func CalculateRSI(klines []binance.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50
	}

	gains := 0.0
	losses := 0.0
	startIdx := len(klines) - period

	for i := startIdx; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	if losses == 0 {
		return 100
	}

	rs := gains / losses
	return 100 - (100 / (1 + rs))
}

// CalculateStdDev calculates the standard deviation of close-to-close returns
func CalculateStdDev(klines []binance.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	startIdx := len(klines) - period
	returns := make([]float64, 0, period)
	for i := startIdx; i < len(klines); i++ {
		if klines[i-1].Close > 0 {
			returns = append(returns, klines[i].Close/klines[i-1].Close-1)
		}
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}
