package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// Yahoo reads the public Yahoo Finance chart and quoteSummary endpoints.
type Yahoo struct {
	BaseURL string
	client  *tools.HTTPClient
}

// NewYahoo creates a provider rooted at baseURL.
func NewYahoo(baseURL string, timeout time.Duration, ratePerSecond float64) *Yahoo {
	return &Yahoo{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  tools.NewHTTPClient(tools.TypeStockPrice, timeout, ratePerSecond),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol       string `json:"symbol"`
				Currency     string `json:"currency"`
				ExchangeName string `json:"exchangeName"`
				LongName     string `json:"longName"`
				ShortName    string `json:"shortName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *yahooError `json:"error"`
	} `json:"chart"`
}

type yahooError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (y *Yahoo) Price(ctx context.Context, symbol, market, period string) (Series, error) {
	sym := ResolveSymbol(symbol, market)
	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=1d", y.BaseURL, url.PathEscape(sym), NormalizePeriod(period))
	var raw chartResponse
	if err := y.client.DoJSON(ctx, http.MethodGet, u, nil, nil, &raw); err != nil {
		return Series{}, err
	}
	if raw.Chart.Error != nil || len(raw.Chart.Result) == 0 {
		return Series{}, tools.NotFound(tools.TypeStockPrice, "no price data for %s", sym)
	}
	res := raw.Chart.Result[0]
	s := Series{
		Symbol:   sym,
		Name:     firstNonEmpty(res.Meta.LongName, res.Meta.ShortName),
		Currency: res.Meta.Currency,
		Exchange: res.Meta.ExchangeName,
	}
	if len(res.Indicators.Quote) == 0 {
		return Series{}, tools.NotFound(tools.TypeStockPrice, "no quotes for %s", sym)
	}
	q := res.Indicators.Quote[0]
	for i, ts := range res.Timestamp {
		c := at(q.Close, i)
		if c == nil {
			continue // holidays and halted sessions come back as nulls
		}
		bar := Bar{Time: time.Unix(ts, 0).UTC(), Close: *c}
		if v := at(q.Open, i); v != nil {
			bar.Open = *v
		}
		if v := at(q.High, i); v != nil {
			bar.High = *v
		}
		if v := at(q.Low, i); v != nil {
			bar.Low = *v
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			bar.Volume = *q.Volume[i]
		}
		s.Bars = append(s.Bars, bar)
	}
	if len(s.Bars) == 0 {
		return Series{}, tools.NotFound(tools.TypeStockPrice, "empty price history for %s", sym)
	}
	return s, nil
}

type value struct {
	Raw *float64 `json:"raw"`
}

type summaryResponse struct {
	QuoteSummary struct {
		Result []map[string]map[string]json.RawMessage `json:"result"`
		Error  *yahooError                             `json:"error"`
	} `json:"quoteSummary"`
}

func (y *Yahoo) summary(ctx context.Context, tool tools.Type, sym string, modules ...string) (map[string]map[string]json.RawMessage, error) {
	u := fmt.Sprintf("%s/v10/finance/quoteSummary/%s?modules=%s", y.BaseURL, url.PathEscape(sym), strings.Join(modules, ","))
	var raw summaryResponse
	if err := y.client.DoJSON(ctx, http.MethodGet, u, nil, nil, &raw); err != nil {
		return nil, tools.Classify(tool, err)
	}
	if raw.QuoteSummary.Error != nil || len(raw.QuoteSummary.Result) == 0 {
		return nil, tools.NotFound(tool, "no summary data for %s", sym)
	}
	return raw.QuoteSummary.Result[0], nil
}

func (y *Yahoo) Info(ctx context.Context, symbol, market string) (Info, error) {
	sym := ResolveSymbol(symbol, market)
	res, err := y.summary(ctx, tools.TypeStockPrice, sym, "assetProfile", "price", "summaryDetail")
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Symbol:           sym,
		Name:             firstNonEmpty(str(res["price"]["longName"]), str(res["price"]["shortName"])),
		Currency:         str(res["price"]["currency"]),
		Sector:           str(res["assetProfile"]["sector"]),
		Industry:         str(res["assetProfile"]["industry"]),
		Country:          str(res["assetProfile"]["country"]),
		Website:          str(res["assetProfile"]["website"]),
		Summary:          str(res["assetProfile"]["longBusinessSummary"]),
		MarketCap:        num(res["price"]["marketCap"]),
		FiftyTwoWeekHigh: num(res["summaryDetail"]["fiftyTwoWeekHigh"]),
		FiftyTwoWeekLow:  num(res["summaryDetail"]["fiftyTwoWeekLow"]),
	}
	return info, nil
}

// financialFields maps output metric names onto quoteSummary module fields.
var financialFields = map[string][2]string{
	"trailing_pe":       {"summaryDetail", "trailingPE"},
	"forward_pe":        {"summaryDetail", "forwardPE"},
	"dividend_yield":    {"summaryDetail", "dividendYield"},
	"market_cap":        {"summaryDetail", "marketCap"},
	"beta":              {"defaultKeyStatistics", "beta"},
	"price_to_book":     {"defaultKeyStatistics", "priceToBook"},
	"peg_ratio":         {"defaultKeyStatistics", "pegRatio"},
	"ev_to_ebitda":      {"defaultKeyStatistics", "enterpriseToEbitda"},
	"trailing_eps":      {"defaultKeyStatistics", "trailingEps"},
	"total_revenue":     {"financialData", "totalRevenue"},
	"revenue_growth":    {"financialData", "revenueGrowth"},
	"earnings_growth":   {"financialData", "earningsGrowth"},
	"gross_margin":      {"financialData", "grossMargins"},
	"operating_margin":  {"financialData", "operatingMargins"},
	"profit_margin":     {"financialData", "profitMargins"},
	"return_on_equity":  {"financialData", "returnOnEquity"},
	"return_on_assets":  {"financialData", "returnOnAssets"},
	"debt_to_equity":    {"financialData", "debtToEquity"},
	"current_ratio":     {"financialData", "currentRatio"},
	"free_cash_flow":    {"financialData", "freeCashflow"},
	"target_mean_price": {"financialData", "targetMeanPrice"},
	"current_price":     {"financialData", "currentPrice"},
}

func (y *Yahoo) Financials(ctx context.Context, symbol, market string) (Financials, error) {
	sym := ResolveSymbol(symbol, market)
	res, err := y.summary(ctx, tools.TypeFinancials, sym, "financialData", "defaultKeyStatistics", "summaryDetail")
	if err != nil {
		return Financials{}, err
	}
	f := Financials{Symbol: sym, Currency: str(res["financialData"]["financialCurrency"]), Metrics: map[string]float64{}}
	for name, field := range financialFields {
		if v, ok := numOK(res[field[0]][field[1]]); ok {
			f.Metrics[name] = v
		}
	}
	if len(f.Metrics) == 0 {
		return Financials{}, tools.NotFound(tools.TypeFinancials, "no financial metrics for %s", sym)
	}
	return f, nil
}

func at(xs []*float64, i int) *float64 {
	if i < len(xs) {
		return xs[i]
	}
	return nil
}

func str(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func num(raw json.RawMessage) float64 {
	v, _ := numOK(raw)
	return v
}

// numOK accepts both {"raw": x, "fmt": "..."} objects and bare numbers.
func numOK(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v value
	if err := json.Unmarshal(raw, &v); err == nil && v.Raw != nil {
		return *v.Raw, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	return 0, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
