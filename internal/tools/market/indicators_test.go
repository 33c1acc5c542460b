package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSMA(t *testing.T) {
	assert.InDelta(t, 4.0, SMA([]float64{1, 2, 3, 4, 5}, 3), 1e-9)
	assert.True(t, math.IsNaN(SMA([]float64{1, 2}, 3)))
}

func TestEMASeededWithSMA(t *testing.T) {
	ema := EMA([]float64{1, 2, 3, 4}, 3)
	require.Len(t, ema, 2)
	assert.InDelta(t, 2.0, ema[0], 1e-9)
	// k = 0.5: 4*0.5 + 2*0.5
	assert.InDelta(t, 3.0, ema[1], 1e-9)
	assert.Nil(t, EMA([]float64{1}, 3))
}

func TestRSIExtremes(t *testing.T) {
	assert.InDelta(t, 100.0, RSI(ramp(30, 10, 1), 14), 1e-9)
	assert.InDelta(t, 0.0, RSI(ramp(30, 100, -1), 14), 1e-9)
	assert.True(t, math.IsNaN(RSI(ramp(10, 1, 1), 14)))
}

func TestBollingerFlatSeries(t *testing.T) {
	mid, upper, lower, ok := Bollinger(ramp(25, 50, 0), 20, 2)
	require.True(t, ok)
	assert.InDelta(t, 50.0, mid, 1e-9)
	assert.InDelta(t, 50.0, upper, 1e-9)
	assert.InDelta(t, 50.0, lower, 1e-9)
}

func TestMACDOnRisingSeries(t *testing.T) {
	line, signal, ok := MACD(ramp(60, 10, 1), 12, 26, 9)
	require.True(t, ok)
	assert.Greater(t, line, 0.0)
	// a constant slope gives a converged MACD line equal to its signal
	assert.InDelta(t, line, signal, 0.05)

	_, _, ok = MACD(ramp(30, 10, 1), 12, 26, 9)
	assert.False(t, ok)
}

func TestComputeUptrend(t *testing.T) {
	ind := Compute("AAPL", ramp(120, 100, 0.5))
	assert.Equal(t, "uptrend", ind.Trend)
	require.NotNil(t, ind.SMA20)
	require.NotNil(t, ind.SMA50)
	require.NotNil(t, ind.RSI14)
	assert.Contains(t, ind.Signals, "rsi_overbought")
	assert.Equal(t, 120, ind.Bars)
}

func TestComputeShortSeriesLeavesGaps(t *testing.T) {
	ind := Compute("X", ramp(10, 1, 1))
	assert.Nil(t, ind.SMA20)
	assert.Nil(t, ind.MACD)
	assert.Nil(t, ind.RSI14)
	assert.Equal(t, "unknown", ind.Trend)
	assert.Equal(t, 10.0, ind.LastClose)
}
