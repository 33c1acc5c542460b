// Package market implements the price, fundamentals and technical indicator
// adapters on top of a quote provider.
package market

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Bar is one daily OHLCV candle.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Series is a price history for one symbol.
type Series struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Currency string `json:"currency,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Bars     []Bar  `json:"bars"`
}

// Closes returns the close prices in time order.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Info is descriptive company data.
type Info struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name,omitempty"`
	Sector           string  `json:"sector,omitempty"`
	Industry         string  `json:"industry,omitempty"`
	Country          string  `json:"country,omitempty"`
	Website          string  `json:"website,omitempty"`
	Summary          string  `json:"summary,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	MarketCap        float64 `json:"market_cap,omitempty"`
	FiftyTwoWeekHigh float64 `json:"fifty_two_week_high,omitempty"`
	FiftyTwoWeekLow  float64 `json:"fifty_two_week_low,omitempty"`
}

// Financials holds valuation and profitability ratios keyed by metric name.
type Financials struct {
	Symbol   string             `json:"symbol"`
	Currency string             `json:"currency,omitempty"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Provider is the external price/fundamentals collaborator.
type Provider interface {
	Price(ctx context.Context, symbol, market, period string) (Series, error)
	Info(ctx context.Context, symbol, market string) (Info, error)
	Financials(ctx context.Context, symbol, market string) (Financials, error)
}

var krCode = regexp.MustCompile(`^\d{6}$`)

// ResolveSymbol maps a ticker onto the provider's symbology. Korean six-digit
// codes get the KOSPI suffix unless a suffix is already present.
func ResolveSymbol(symbol, market string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch strings.ToUpper(market) {
	case "KR", "BOTH":
		if krCode.MatchString(s) {
			return s + ".KS"
		}
	}
	return s
}

var periods = map[string]bool{
	"5d": true, "1mo": true, "3mo": true, "6mo": true, "1y": true, "2y": true, "5y": true, "ytd": true, "max": true,
}

// NormalizePeriod returns a supported range, defaulting to 1mo.
func NormalizePeriod(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if periods[p] {
		return p
	}
	return "1mo"
}
