package market

import (
	"context"
	"fmt"
	"math"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

const recentBars = 10

// PriceSummary is the stock_price payload.
type PriceSummary struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	Period    string  `json:"period"`
	LastClose float64 `json:"last_close"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	High      float64 `json:"period_high"`
	Low       float64 `json:"period_low"`
	AvgVolume int64   `json:"avg_volume"`
	Recent    []Bar   `json:"recent"`
	Info      *Info   `json:"info,omitempty"`
}

// Summarize reduces a series to the figures the research agent needs.
func Summarize(s Series, period string) PriceSummary {
	out := PriceSummary{Symbol: s.Symbol, Name: s.Name, Currency: s.Currency, Period: period}
	if len(s.Bars) == 0 {
		return out
	}
	first, last := s.Bars[0], s.Bars[len(s.Bars)-1]
	out.LastClose = last.Close
	out.Change = round(last.Close - first.Close)
	if first.Close != 0 {
		out.ChangePct = round((last.Close - first.Close) / first.Close * 100)
	}
	out.High, out.Low = math.Inf(-1), math.Inf(1)
	var vol int64
	for _, b := range s.Bars {
		out.High = math.Max(out.High, math.Max(b.High, b.Close))
		low := b.Low
		if low == 0 {
			low = b.Close
		}
		out.Low = math.Min(out.Low, low)
		vol += b.Volume
	}
	out.AvgVolume = vol / int64(len(s.Bars))
	from := len(s.Bars) - recentBars
	if from < 0 {
		from = 0
	}
	out.Recent = append([]Bar(nil), s.Bars[from:]...)
	return out
}

func round(v float64) float64 { return math.Round(v*100) / 100 }

var symbolSchema = map[string]string{
	"symbol": "Ticker symbol, e.g. AAPL or 005930",
	"market": "US, KR or Both",
}

func requireSymbol(tool tools.Type, p tools.Params) (string, error) {
	sym := p.Get("symbol", p.Get("query", ""))
	if sym == "" {
		return "", tools.NotFound(tool, "no symbol given")
	}
	return sym, nil
}

// PriceAdapter serves stock_price: recent price history plus company info.
type PriceAdapter struct {
	Provider Provider
}

func (PriceAdapter) Type() tools.Type { return tools.TypeStockPrice }

func (PriceAdapter) Definition() tools.Definition {
	props := map[string]string{"period": "History range: 5d, 1mo, 3mo, 6mo, 1y, 2y, 5y, ytd"}
	for k, v := range symbolSchema {
		props[k] = v
	}
	return tools.Definition{
		Name:        string(tools.TypeStockPrice),
		Description: "Get recent stock price history, change and basic company information for a symbol.",
		Parameters:  tools.ObjectSchema(props, "symbol"),
	}
}

func (a PriceAdapter) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	sym, err := requireSymbol(tools.TypeStockPrice, p)
	if err != nil {
		return tools.Result{}, err
	}
	market := p.Get("market", "US")
	period := NormalizePeriod(p.Get("period", "1mo"))
	series, err := a.Provider.Price(ctx, sym, market, period)
	if err != nil {
		return tools.Result{}, err
	}
	summary := Summarize(series, period)
	// info is best effort; the price history alone is a usable answer
	if info, err := a.Provider.Info(ctx, sym, market); err == nil {
		summary.Info = &info
		if summary.Name == "" {
			summary.Name = info.Name
		}
	}
	return tools.Result{
		Data:          summary,
		CitationLabel: fmt.Sprintf("Yahoo Finance price history: %s (%s)", series.Symbol, period),
	}, nil
}

// FinancialsAdapter serves financials.
type FinancialsAdapter struct {
	Provider Provider
}

func (FinancialsAdapter) Type() tools.Type { return tools.TypeFinancials }

func (FinancialsAdapter) Definition() tools.Definition {
	return tools.Definition{
		Name:        string(tools.TypeFinancials),
		Description: "Get valuation, profitability, growth and balance sheet ratios for a symbol.",
		Parameters:  tools.ObjectSchema(symbolSchema, "symbol"),
	}
}

func (a FinancialsAdapter) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	sym, err := requireSymbol(tools.TypeFinancials, p)
	if err != nil {
		return tools.Result{}, err
	}
	f, err := a.Provider.Financials(ctx, sym, p.Get("market", "US"))
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Data: f, CitationLabel: fmt.Sprintf("Yahoo Finance key statistics: %s", f.Symbol)}, nil
}

// IndicatorsAdapter serves technical_indicators computed from a 6 month history.
type IndicatorsAdapter struct {
	Provider Provider
}

func (IndicatorsAdapter) Type() tools.Type { return tools.TypeTechnicalIndicators }

func (IndicatorsAdapter) Definition() tools.Definition {
	return tools.Definition{
		Name:        string(tools.TypeTechnicalIndicators),
		Description: "Compute SMA, EMA, MACD, RSI and Bollinger bands with a trend label for a symbol.",
		Parameters:  tools.ObjectSchema(symbolSchema, "symbol"),
	}
}

func (a IndicatorsAdapter) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	sym, err := requireSymbol(tools.TypeTechnicalIndicators, p)
	if err != nil {
		return tools.Result{}, err
	}
	series, err := a.Provider.Price(ctx, sym, p.Get("market", "US"), "6mo")
	if err != nil {
		return tools.Result{}, tools.Classify(tools.TypeTechnicalIndicators, err)
	}
	ind := Compute(series.Symbol, series.Closes())
	return tools.Result{
		Data:          ind,
		CitationLabel: fmt.Sprintf("Technical indicators computed from Yahoo Finance daily closes: %s (6mo)", series.Symbol),
	}, nil
}
