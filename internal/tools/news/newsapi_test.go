package news

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "AAPL", buildQuery("AAPL"))
	assert.Equal(t, "Apple earnings", buildQuery("Apple earnings"))
	assert.Equal(t, `"Samsung Electronics" OR 005930`, buildQuery("Samsung Electronics, 005930"))
	assert.Equal(t, "", buildQuery(" , "))
}

func TestNewsAPIInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "2026-10-10", r.URL.Query().Get("from"))
		switch r.URL.Query().Get("q") {
		case "AAPL":
			_, _ = w.Write([]byte(`{"status":"ok","articles":[
				{"source":{"name":"Reuters"},"title":"Apple beats","description":"<b>Services</b> revenue &amp; margins up","url":"https://r.com/1","publishedAt":"2026-10-16T10:00:00Z"},
				{"source":{"name":"Yahoo"},"title":"Apple beats","url":"https://www.r.com/1?utm_source=yahoo","publishedAt":"2026-10-16T10:05:00Z"},
				{"source":{"name":"x"},"title":"[Removed]","url":"https://removed"}]}`))
		case "limit":
			_, _ = w.Write([]byte(`{"status":"error","code":"rateLimited","message":"slow down"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"ok","articles":[]}`))
		}
	}))
	defer srv.Close()

	n := New("key", srv.URL, 5, time.Second, 0)
	n.now = func() time.Time { return time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC) }

	res, err := n.Invoke(context.Background(), tools.Params{"query": "AAPL"})
	require.NoError(t, err)
	articles := res.Data.(map[string]any)["articles"].([]Article)
	require.Len(t, articles, 1)
	assert.Equal(t, "Reuters", articles[0].Source)
	assert.Equal(t, "Services revenue & margins up", articles[0].Description)

	_, err = n.Invoke(context.Background(), tools.Params{"query": "nothing"})
	assert.Equal(t, tools.ReasonNotFound, tools.Classify(tools.TypeNews, err).Reason)

	_, err = n.Invoke(context.Background(), tools.Params{"query": "limit"})
	assert.Equal(t, tools.ReasonRateLimited, tools.Classify(tools.TypeNews, err).Reason)
}

func TestNewsAPIWithoutKey(t *testing.T) {
	_, err := New("", "", 0, time.Second, 0).Invoke(context.Background(), tools.Params{"query": "AAPL"})
	assert.Equal(t, tools.ReasonProviderError, tools.Classify(tools.TypeNews, err).Reason)
}
