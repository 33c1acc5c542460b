package websearch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/stockresearch/internal/helpers"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

const (
	defaultResults = 5
	maxResults     = 10
	pageBytes      = 2 << 20
	contentChars   = 3000
)

// Adapter serves web_search.
type Adapter struct {
	Searcher   Searcher
	MaxResults int
	// EnrichTop fetches the first N hits and attaches their readable text.
	EnrichTop int
	fetcher   *tools.HTTPClient
}

// NewAdapter wires a searcher with page enrichment.
func NewAdapter(s Searcher, maxResults, enrichTop int, timeout time.Duration) *Adapter {
	if maxResults <= 0 {
		maxResults = defaultResults
	}
	return &Adapter{
		Searcher:   s,
		MaxResults: maxResults,
		EnrichTop:  enrichTop,
		fetcher:    tools.NewHTTPClient(tools.TypeWebSearch, timeout, 0),
	}
}

func (a *Adapter) Type() tools.Type { return tools.TypeWebSearch }

func (a *Adapter) Definition() tools.Definition {
	return tools.Definition{
		Name:        string(tools.TypeWebSearch),
		Description: "Search the web for recent analysis, filings coverage and commentary.",
		Parameters: tools.ObjectSchema(map[string]string{
			"query":       "Search query",
			"max_results": "Number of results, 1-10",
		}, "query"),
	}
}

func (a *Adapter) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	q := p.Get("query", p.Get("q", ""))
	if q == "" {
		return tools.Result{}, tools.NotFound(tools.TypeWebSearch, "empty query")
	}
	k := p.Int("max_results", a.MaxResults)
	if k <= 0 {
		k = defaultResults
	}
	if k > maxResults {
		k = maxResults
	}
	hits, err := a.Searcher.Search(ctx, q, k)
	if err != nil {
		return tools.Result{}, tools.Classify(tools.TypeWebSearch, err)
	}
	hits = dedupe(hits)
	if len(hits) == 0 {
		return tools.Result{}, tools.NotFound(tools.TypeWebSearch, "no results for %q", q)
	}
	a.enrich(ctx, hits)
	return tools.Result{
		Data:          map[string]any{"query": q, "provider": a.Searcher.Name(), "results": hits},
		CitationLabel: fmt.Sprintf("Web search (%s): %q", a.Searcher.Name(), q),
	}, nil
}

// dedupe drops hits that point at the same page, keeping the first.
func dedupe(hits []Hit) []Hit {
	seen := make(map[string]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if h.URL == "" {
			continue
		}
		key := helpers.URLKey(h.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

// enrich is best effort: a page that cannot be fetched keeps its snippet.
func (a *Adapter) enrich(ctx context.Context, hits []Hit) {
	if a.EnrichTop <= 0 || a.fetcher == nil {
		return
	}
	n := a.EnrichTop
	if n > len(hits) {
		n = len(hits)
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			text, byline, err := a.readable(ctx, hits[i].URL)
			if err == nil {
				hits[i].Content = text
				hits[i].Byline = byline
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Adapter) readable(ctx context.Context, link string) (string, string, error) {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid url %q", link)
	}
	html, err := a.fetcher.GetText(ctx, link, nil, pageBytes)
	if err != nil {
		return "", "", err
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return "", "", err
	}
	text := helpers.Truncate(strings.Join(strings.Fields(article.TextContent), " "), contentChars)
	return text, strings.TrimSpace(article.Byline), nil
}
