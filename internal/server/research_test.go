package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

type fakeRunner struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRunner) Submit(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeRunner) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeCatalog []tools.Definition

func (f fakeCatalog) Definitions() []tools.Definition { return f }

func testLimits() research.RequestLimits {
	return research.RequestLimits{DefaultMaxTopics: 5, MinTopics: 3, MaxTopics: 10, DefaultLanguage: "en"}
}

func newTestServer(t *testing.T) (*Server, *jobs.Store, *fakeRunner) {
	t.Helper()
	store := jobs.NewStore(jobs.Options{})
	runner := &fakeRunner{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_scrape_total", Help: "scrape check"}))
	s := New(context.Background(), Deps{
		Store:     store,
		Runner:    runner,
		Tools:     fakeCatalog{{Name: "get_price", Description: "price history"}},
		Gatherer:  reg,
		Heartbeat: 50 * time.Millisecond,
		Limits:    testLimits(),
	})
	return s, store, runner
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func completeJob(t *testing.T, store *jobs.Store, id, report string) {
	t.Helper()
	_, err := store.Update(id, func(j *research.Job) error { return j.Transition(research.StatusRunning, time.Now()) })
	require.NoError(t, err)
	_, err = store.Update(id, func(j *research.Job) error {
		j.Result = &research.Result{
			Report:    report,
			Format:    research.FormatMarkdown,
			Citations: []research.Citation{{ID: 1, Label: "AAPL price", ToolType: "get_price"}},
		}
		return j.Transition(research.StatusCompleted, time.Now())
	})
	require.NoError(t, err)
}

func TestCreateResearch(t *testing.T) {
	s, store, runner := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/research", `{"topic":"Apple outlook","symbols":["aapl"],"market":"US"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode(t, rec)
	id, _ := body["research_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", body["status"])
	assert.NotEmpty(t, body["created_at"])
	assert.Equal(t, []string{id}, runner.submitted())

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, job.Symbols)
	assert.Equal(t, 5, job.MaxTopics)
}

func TestCreateResearchRejectsInvalidBodies(t *testing.T) {
	s, store, runner := newTestServer(t)
	for name, body := range map[string]string{
		"empty topic":    `{"topic":"  "}`,
		"bad market":     `{"topic":"x","market":"MOON"}`,
		"max topics":     `{"topic":"x","max_topics":99}`,
		"malformed":      `{"topic":`,
		"unknown lang":   `{"topic":"x","language":"fr"}`,
		"unknown format": `{"topic":"x","output_format":"pdf"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/research", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
	assert.Empty(t, store.List(0))
	assert.Empty(t, runner.submitted())
}

func TestGetResearch(t *testing.T) {
	s, store, _ := newTestServer(t)
	job, err := store.Create(research.Request{Topic: "Apple", Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/research/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, job.ID, body["research_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Contains(t, body, "progress")

	rec = do(t, s, http.MethodGet, "/research/res_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "research not found", decode(t, rec)["error"])
}

func TestGetResearchSendsUnsetFieldsAsNull(t *testing.T) {
	s, store, _ := newTestServer(t)
	job, err := store.Create(research.Request{Topic: "Apple", Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
	require.NoError(t, err)

	body := decode(t, do(t, s, http.MethodGet, "/research/"+job.ID, ""))
	for _, key := range []string{"current_stage", "started_at", "completed_at", "result", "error"} {
		v, ok := body[key]
		require.True(t, ok, "missing key %q", key)
		assert.Nil(t, v, key)
	}

	_, err = store.Update(job.ID, func(j *research.Job) error {
		j.CurrentStage = research.StageRephrase
		return j.Transition(research.StatusRunning, time.Now())
	})
	require.NoError(t, err)
	body = decode(t, do(t, s, http.MethodGet, "/research/"+job.ID, ""))
	assert.Equal(t, string(research.StageRephrase), body["current_stage"])
	assert.NotNil(t, body["started_at"])
	assert.Nil(t, body["result"])
}

func TestListResearchNewestFirst(t *testing.T) {
	s, store, _ := newTestServer(t)
	var ids []string
	for _, topic := range []string{"one", "two", "three"} {
		job, err := store.Create(research.Request{Topic: topic, Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	rec := do(t, s, http.MethodGet, "/research?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []listItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items), rec.Body.String())
	require.Len(t, items, 2)
	assert.Equal(t, ids[2], items[0].ResearchID)
	assert.Equal(t, ids[1], items[1].ResearchID)
	assert.Nil(t, items[0].CompletedAt)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/research?limit=zero", "").Code)
}

func TestCancelResearch(t *testing.T) {
	s, store, _ := newTestServer(t)
	job, err := store.Create(research.Request{Topic: "Apple", Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/research/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"research_id": job.ID, "status": "cancelled"}, decode(t, rec))

	rec = do(t, s, http.MethodDelete, "/research/"+job.ID, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "cancelled", body["status"])
	assert.NotEmpty(t, body["error"])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/research/res_missing", "").Code)
}

func TestCancelRunningResearchKeepsStatus(t *testing.T) {
	s, store, _ := newTestServer(t)
	job, err := store.Create(research.Request{Topic: "Apple", Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
	require.NoError(t, err)
	_, err = store.Update(job.ID, func(j *research.Job) error { return j.Transition(research.StatusRunning, time.Now()) })
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/research/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["status"])
	assert.True(t, store.CancelRequested(job.ID))
}

func TestReportFormats(t *testing.T) {
	s, store, _ := newTestServer(t)
	job, err := store.Create(research.Request{Topic: "Apple", Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/research/"+job.ID+"/report", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	completeJob(t, store, job.ID, "# Apple\n\n## Price\nUp 3% [1].\n\n<script>alert(1)</script>\n")

	rec = do(t, s, http.MethodGet, "/research/"+job.ID+"/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/markdown")
	assert.Contains(t, rec.Body.String(), "## Price")

	rec = do(t, s, http.MethodGet, "/research/"+job.ID+"/report?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h2")
	assert.NotContains(t, rec.Body.String(), "<script>")

	rec = do(t, s, http.MethodGet, "/research/"+job.ID+"/report?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Apple", body["title"])
	assert.Len(t, body["citations"], 1)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/research/"+job.ID+"/report?format=pdf", "").Code)
}

func TestToolsHealthAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/research/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"get_price"`)

	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_scrape_total")
}
