package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/stockresearch/config"
	"github.com/mohammad-safakhou/stockresearch/internal/llm/llmtest"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func toolNames(r *tools.Router) []string {
	var names []string
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
	}
	return names
}

func TestBuildWithoutRedis(t *testing.T) {
	cfg := loadConfig(t, "general:\n  log_level: disable\nstorage:\n  state_dir: "+t.TempDir()+"\n")
	svc, err := Build(context.Background(), cfg, Options{Model: llmtest.NewScripted()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	names := toolNames(svc.Router)
	assert.Contains(t, names, string(tools.TypeStockPrice))
	assert.Contains(t, names, string(tools.TypeRAGSearch))
	assert.Contains(t, names, string(tools.TypeYouTube))
	assert.NotContains(t, names, string(tools.TypeWebSearch), "no search key configured")
	assert.NotContains(t, names, string(tools.TypeNews))
	assert.Nil(t, svc.Redis)

	deps := svc.ServerDeps()
	assert.Equal(t, cfg.Server.HeartbeatInterval, deps.Heartbeat)
	assert.Equal(t, 10, deps.Limits.DefaultMaxTopics)
	assert.Same(t, svc.Store, deps.Store)
}

func TestBuildWithRedisMirrorsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, "general:\n  log_level: disable\n"+
		"tools:\n  newsapi:\n    api_key: k\n  web_search:\n    serper_api_key: k\n"+
		"research:\n  schedules:\n    - name: daily-aapl\n      cron: \"@daily\"\n      topic: Apple\n"+
		"storage:\n  redis:\n    addr: "+mr.Addr()+"\n")
	svc, err := Build(context.Background(), cfg, Options{Model: llmtest.NewScripted()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	names := toolNames(svc.Router)
	assert.Contains(t, names, string(tools.TypeWebSearch))
	assert.Contains(t, names, string(tools.TypeNews))

	job, err := svc.Store.Create(research.Request{Topic: "Apple", Market: "US", MaxTopics: 3, Language: "en", OutputFormat: "markdown"})
	require.NoError(t, err)
	_, err = svc.Store.Cancel(job.ID)
	require.NoError(t, err)
	svc.Store.Close()

	entries, err := svc.Redis.XRange(context.Background(), cfg.Storage.Redis.EventsStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].Values["research_id"])

	sched := svc.Scheduler()
	assert.Len(t, sched.Schedules, 1)
	assert.Equal(t, "stockresearch:", sched.KeyPrefix)
	assert.NotNil(t, sched.Rdb)
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	cfg := loadConfig(t, "general:\n  log_level: disable\nstorage:\n  redis:\n    addr: 127.0.0.1:1\n")
	_, err := Build(context.Background(), cfg, Options{Model: llmtest.NewScripted()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connection failed")
}

func TestBuildRequiresModelCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg := loadConfig(t, "general:\n  log_level: disable\n")
	_, err := Build(context.Background(), cfg, Options{})
	require.Error(t, err)
}
