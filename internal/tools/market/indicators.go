package market

import "math"

// Indicators is the technical snapshot at the last bar. Nil fields mean the
// series was too short for that indicator.
type Indicators struct {
	Symbol         string   `json:"symbol"`
	LastClose      float64  `json:"last_close"`
	Bars           int      `json:"bars"`
	SMA20          *float64 `json:"sma_20,omitempty"`
	SMA50          *float64 `json:"sma_50,omitempty"`
	EMA12          *float64 `json:"ema_12,omitempty"`
	EMA26          *float64 `json:"ema_26,omitempty"`
	MACD           *float64 `json:"macd,omitempty"`
	MACDSignal     *float64 `json:"macd_signal,omitempty"`
	MACDHistogram  *float64 `json:"macd_histogram,omitempty"`
	RSI14          *float64 `json:"rsi_14,omitempty"`
	BollingerUpper *float64 `json:"bollinger_upper,omitempty"`
	BollingerMid   *float64 `json:"bollinger_middle,omitempty"`
	BollingerLower *float64 `json:"bollinger_lower,omitempty"`
	Trend          string   `json:"trend"`
	Signals        []string `json:"signals,omitempty"`
}

// Compute derives indicators from closes in time order.
func Compute(symbol string, closes []float64) Indicators {
	ind := Indicators{Symbol: symbol, Bars: len(closes), Trend: "unknown"}
	if len(closes) == 0 {
		return ind
	}
	last := closes[len(closes)-1]
	ind.LastClose = last
	ind.SMA20 = ptr(SMA(closes, 20))
	ind.SMA50 = ptr(SMA(closes, 50))
	if ema := EMA(closes, 12); len(ema) > 0 {
		ind.EMA12 = ptr(ema[len(ema)-1])
	}
	if ema := EMA(closes, 26); len(ema) > 0 {
		ind.EMA26 = ptr(ema[len(ema)-1])
	}
	if line, signal, ok := MACD(closes, 12, 26, 9); ok {
		ind.MACD, ind.MACDSignal, ind.MACDHistogram = ptr(line), ptr(signal), ptr(line-signal)
	}
	ind.RSI14 = ptr(RSI(closes, 14))
	if mid, upper, lower, ok := Bollinger(closes, 20, 2); ok {
		ind.BollingerMid, ind.BollingerUpper, ind.BollingerLower = ptr(mid), ptr(upper), ptr(lower)
	}

	switch {
	case ind.SMA20 != nil && ind.SMA50 != nil && last > *ind.SMA20 && *ind.SMA20 > *ind.SMA50:
		ind.Trend = "uptrend"
	case ind.SMA20 != nil && ind.SMA50 != nil && last < *ind.SMA20 && *ind.SMA20 < *ind.SMA50:
		ind.Trend = "downtrend"
	case ind.SMA20 != nil:
		ind.Trend = "sideways"
	}
	if ind.RSI14 != nil {
		switch {
		case *ind.RSI14 >= 70:
			ind.Signals = append(ind.Signals, "rsi_overbought")
		case *ind.RSI14 <= 30:
			ind.Signals = append(ind.Signals, "rsi_oversold")
		}
	}
	if ind.MACDHistogram != nil {
		if *ind.MACDHistogram > 0 {
			ind.Signals = append(ind.Signals, "macd_bullish")
		} else if *ind.MACDHistogram < 0 {
			ind.Signals = append(ind.Signals, "macd_bearish")
		}
	}
	if ind.BollingerUpper != nil && last > *ind.BollingerUpper {
		ind.Signals = append(ind.Signals, "above_upper_band")
	}
	if ind.BollingerLower != nil && last < *ind.BollingerLower {
		ind.Signals = append(ind.Signals, "below_lower_band")
	}
	return ind
}

// SMA is the simple average of the last n values, NaN when too short.
func SMA(xs []float64, n int) float64 {
	if n <= 0 || len(xs) < n {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs[len(xs)-n:] {
		sum += x
	}
	return sum / float64(n)
}

// EMA returns the exponential moving average series seeded with the first
// n-value SMA. The result has len(xs)-n+1 entries, empty when too short.
func EMA(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) < n {
		return nil
	}
	k := 2.0 / float64(n+1)
	out := make([]float64, 0, len(xs)-n+1)
	out = append(out, SMA(xs[:n], n))
	for _, x := range xs[n:] {
		prev := out[len(out)-1]
		out = append(out, x*k+prev*(1-k))
	}
	return out
}

// MACD returns the last MACD line and signal values.
func MACD(xs []float64, fast, slow, signal int) (line, sig float64, ok bool) {
	fastEMA := EMA(xs, fast)
	slowEMA := EMA(xs, slow)
	if len(slowEMA) < signal {
		return 0, 0, false
	}
	// align fast to slow: both end at the last bar
	offset := len(fastEMA) - len(slowEMA)
	lines := make([]float64, len(slowEMA))
	for i := range slowEMA {
		lines[i] = fastEMA[i+offset] - slowEMA[i]
	}
	sigs := EMA(lines, signal)
	return lines[len(lines)-1], sigs[len(sigs)-1], true
}

// RSI uses Wilder smoothing over n periods. NaN when too short.
func RSI(xs []float64, n int) float64 {
	if n <= 0 || len(xs) <= n {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := xs[i] - xs[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(n)
	loss /= float64(n)
	for i := n + 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(n-1) + g) / float64(n)
		loss = (loss*float64(n-1) + l) / float64(n)
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// Bollinger returns the n-period middle band and k standard deviation bands.
func Bollinger(xs []float64, n int, k float64) (mid, upper, lower float64, ok bool) {
	if n <= 0 || len(xs) < n {
		return 0, 0, 0, false
	}
	mid = SMA(xs, n)
	var variance float64
	for _, x := range xs[len(xs)-n:] {
		variance += (x - mid) * (x - mid)
	}
	sd := math.Sqrt(variance / float64(n))
	return mid, mid + k*sd, mid - k*sd, true
}

func ptr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	r := math.Round(v*10000) / 10000
	return &r
}
