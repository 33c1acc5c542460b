// Package news implements the news adapter on top of NewsAPI.
package news

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/stockresearch/internal/helpers"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

const DefaultEndpoint = "https://newsapi.org/v2/everything"

// Article is a trimmed NewsAPI article.
type Article struct {
	Source      string    `json:"source"`
	Author      string    `json:"author,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

type response struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Author      string    `json:"author"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

// NewsAPI serves the news tool.
type NewsAPI struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	client     *tools.HTTPClient
	now        func() time.Time
}

func New(apiKey, endpoint string, maxResults int, timeout time.Duration, ratePerSecond float64) *NewsAPI {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	return &NewsAPI{
		APIKey:     apiKey,
		Endpoint:   endpoint,
		MaxResults: maxResults,
		client:     tools.NewHTTPClient(tools.TypeNews, timeout, ratePerSecond),
		now:        time.Now,
	}
}

func (n *NewsAPI) Type() tools.Type { return tools.TypeNews }

func (n *NewsAPI) Definition() tools.Definition {
	return tools.Definition{
		Name:        string(tools.TypeNews),
		Description: "Search recent news articles about a company, symbol or theme.",
		Parameters: tools.ObjectSchema(map[string]string{
			"query":    "Keywords, company name or symbol",
			"days":     "Look back this many days (default 7)",
			"language": "Two-letter language code, e.g. en or ko",
			"sort_by":  "relevancy, popularity or publishedAt",
		}, "query"),
	}
}

// buildQuery quotes multi-word terms and ORs comma separated alternatives.
func buildQuery(q string) string {
	parts := strings.Split(q, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, " ") && !strings.HasPrefix(p, `"`) && len(parts) > 1 {
			p = fmt.Sprintf(`"%s"`, p)
		}
		terms = append(terms, p)
	}
	return strings.Join(terms, " OR ")
}

func (n *NewsAPI) Invoke(ctx context.Context, p tools.Params) (tools.Result, error) {
	q := buildQuery(p.Get("query", p.Get("symbol", "")))
	if q == "" {
		return tools.Result{}, tools.NotFound(tools.TypeNews, "empty query")
	}
	if n.APIKey == "" {
		return tools.Result{}, tools.NewError(tools.TypeNews, tools.ReasonProviderError, "newsapi key not configured")
	}
	days := p.Int("days", 7)
	if days <= 0 || days > 30 {
		days = 7
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("from", n.now().AddDate(0, 0, -days).Format("2006-01-02"))
	params.Set("sortBy", p.Get("sort_by", "publishedAt"))
	params.Set("pageSize", fmt.Sprint(n.MaxResults))
	if lang := p.Get("language", ""); lang != "" {
		params.Set("language", lang)
	}
	headers := map[string]string{"X-Api-Key": n.APIKey}

	var raw response
	if err := n.client.DoJSON(ctx, http.MethodGet, n.Endpoint+"?"+params.Encode(), headers, nil, &raw); err != nil {
		return tools.Result{}, err
	}
	if raw.Status == "error" {
		reason := tools.ReasonProviderError
		if raw.Code == "rateLimited" {
			reason = tools.ReasonRateLimited
		}
		return tools.Result{}, tools.NewError(tools.TypeNews, reason, "%s: %s", raw.Code, raw.Message)
	}
	out := make([]Article, 0, len(raw.Articles))
	seen := make(map[string]bool, len(raw.Articles))
	for _, a := range raw.Articles {
		if a.Title == "" || a.Title == "[Removed]" {
			continue
		}
		// wire services syndicate one story under many tracking links
		key := helpers.URLKey(a.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Article{
			Source:      a.Source.Name,
			Author:      a.Author,
			Title:       helpers.PlainText(a.Title),
			Description: helpers.PlainText(a.Description),
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
		})
		if len(out) == n.MaxResults {
			break
		}
	}
	if len(out) == 0 {
		return tools.Result{}, tools.NotFound(tools.TypeNews, "no articles for %q in the last %d days", q, days)
	}
	return tools.Result{
		Data:          map[string]any{"query": q, "articles": out},
		CitationLabel: fmt.Sprintf("NewsAPI articles: %q (last %d days)", q, days),
	}, nil
}
