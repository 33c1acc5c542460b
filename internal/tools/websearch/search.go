// Package websearch implements the web_search adapter over Serper or Brave,
// optionally enriching the top hits with readable page text.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mohammad-safakhou/stockresearch/internal/helpers"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

// Hit is one search result.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
	Content string `json:"content,omitempty"`
	Byline  string `json:"byline,omitempty"`
}

// Searcher discovers pages for a query.
type Searcher interface {
	Search(ctx context.Context, q string, k int) ([]Hit, error)
	Name() string
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

const (
	serperURL = "https://google.serper.dev/search"
	braveURL  = "https://api.search.brave.com/res/v1/web/search"
)

// NewSearcher builds the searcher for provider using its default endpoint.
func NewSearcher(provider Provider, apiKey string, timeout time.Duration, ratePerSecond float64) (Searcher, error) {
	client := tools.NewHTTPClient(tools.TypeWebSearch, timeout, ratePerSecond)
	switch provider {
	case SerperProvider:
		return &Serper{APIKey: apiKey, Endpoint: serperURL, client: client}, nil
	case BraveProvider:
		return &Brave{APIKey: apiKey, Endpoint: braveURL, client: client}, nil
	default:
		return nil, fmt.Errorf("unsupported web search provider %q", provider)
	}
}

// Serper queries google.serper.dev.
type Serper struct {
	APIKey   string
	Endpoint string
	client   *tools.HTTPClient
}

func (s *Serper) Name() string { return string(SerperProvider) }

func (s *Serper) Search(ctx context.Context, q string, k int) ([]Hit, error) {
	payload := map[string]any{"q": q, "num": k}
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.APIKey}
	if err := s.client.DoJSON(ctx, http.MethodPost, s.Endpoint, headers, payload, &raw); err != nil {
		return nil, err
	}
	var out []Hit
	for i, it := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, Hit{Title: helpers.PlainText(it.Title), URL: it.Link, Snippet: helpers.PlainText(it.Snippet), Date: it.Date})
	}
	return out, nil
}

// Brave queries the Brave web search API.
type Brave struct {
	APIKey   string
	Endpoint string
	client   *tools.HTTPClient
}

func (b *Brave) Name() string { return string(BraveProvider) }

func (b *Brave) Search(ctx context.Context, q string, k int) ([]Hit, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", b.Endpoint, url.QueryEscape(q), k)
	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"Accept": "application/json", "X-Subscription-Token": b.APIKey}
	if err := b.client.DoJSON(ctx, http.MethodGet, u, headers, nil, &raw); err != nil {
		return nil, err
	}
	var out []Hit
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		// brave highlights query terms with <strong>
		out = append(out, Hit{Title: helpers.PlainText(r.Title), URL: r.URL, Snippet: helpers.PlainText(r.Description), Date: r.Age})
	}
	return out, nil
}
