// Package runtime assembles the research service from configuration. Every
// command builds on the same Service so the API, the scheduler and one-shot
// runs share one wiring.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/kataras/golog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"

	"github.com/mohammad-safakhou/stockresearch/config"
	"github.com/mohammad-safakhou/stockresearch/internal/agents"
	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/llm"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/pipeline"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
	"github.com/mohammad-safakhou/stockresearch/internal/server"
	"github.com/mohammad-safakhou/stockresearch/internal/telemetry"
	"github.com/mohammad-safakhou/stockresearch/internal/tools"
	"github.com/mohammad-safakhou/stockresearch/internal/tools/market"
	"github.com/mohammad-safakhou/stockresearch/internal/tools/news"
	"github.com/mohammad-safakhou/stockresearch/internal/tools/rag"
	"github.com/mohammad-safakhou/stockresearch/internal/tools/websearch"
	"github.com/mohammad-safakhou/stockresearch/internal/tools/youtube"
)

// Service holds the assembled components.
type Service struct {
	Config       *config.Config
	Logger       *golog.Logger
	Registry     *prometheus.Registry
	Metrics      *telemetry.Metrics
	Redis        *redis.Client
	Library      *rag.Library
	Router       *tools.Router
	LLM          *llm.Client
	Store        *jobs.Store
	Orchestrator *pipeline.Orchestrator
}

// Options override parts of the wiring, mostly for tests.
type Options struct {
	// Model replaces the provider model built from cfg.LLM.
	Model llms.Model
	// Logger is the root logger; children get component prefixes.
	Logger *golog.Logger
}

// Build wires every component described by cfg. Close releases what it opened.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	s := &Service{Config: cfg, Logger: opts.Logger}
	if s.Logger == nil {
		s.Logger = logging.New("", cfg.General.LogLevel)
	}
	child := func(prefix string) *golog.Logger { return logging.New(prefix, cfg.General.LogLevel) }

	s.Registry = prometheus.NewRegistry()
	if cfg.Telemetry.MetricsEnabled {
		s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.Metrics = telemetry.NewMetrics(s.Registry)
	}

	if cfg.Storage.Redis.Enabled() {
		rc := cfg.Storage.Redis
		s.Redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			_ = s.Redis.Close()
			return nil, fmt.Errorf("redis connection failed (%s): %w", rc.Addr, err)
		}
	}

	model := opts.Model
	if model == nil {
		m, err := llm.NewModel(cfg.LLM)
		if err != nil {
			s.Close()
			return nil, err
		}
		model = m
	}
	s.LLM = llm.New(model, llm.ConfigFrom(cfg.LLM), llm.WithLogger(child("[LLM] ")), llm.WithMetrics(s.Metrics))

	s.Library = rag.NewLibrary(cfg.Tools.RAG.IndexDir)
	router, err := s.buildRouter(child("[TOOLS] "))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Router = router

	prompts, err := agents.LoadPrompts(cfg.LLM.PromptsFile)
	if err != nil {
		s.Close()
		return nil, err
	}

	storeOpts := jobs.Options{
		SubscriberBuffer: cfg.Server.SubscriberBuffer,
		MaxJobs:          cfg.Server.MaxJobs,
		Logger:           child("[JOBS] "),
		Metrics:          s.Metrics,
	}
	if s.Redis != nil {
		storeOpts.Sink = jobs.NewRedisStreamSink(s.Redis, cfg.Storage.Redis.EventsStream,
			jobs.WithMaxLenApprox(cfg.Storage.Redis.StreamMaxLen))
	}
	s.Store = jobs.NewStore(storeOpts)

	checkpoints, err := s.checkpointer()
	if err != nil {
		s.Close()
		return nil, err
	}

	agentLog := child("[AGENT] ")
	a := pipeline.Agents{
		Rephraser:  agents.NewRephraser(s.LLM, prompts, agentLog),
		Decomposer: agents.NewDecomposer(s.LLM, prompts, agentLog),
		Researcher: agents.NewResearcher(s.LLM, s.Router, prompts, agentLog),
		NoteTaker:  agents.NewNoteTaker(s.LLM, prompts, agentLog),
		Reporter:   agents.NewReporter(s.LLM, prompts, agentLog),
	}
	if cfg.Research.ManagerEnabled {
		a.Manager = agents.NewManager(s.LLM, prompts, agentLog)
	}
	s.Orchestrator = pipeline.New(s.Store, a, pipeline.ConfigFrom(cfg.Research),
		pipeline.WithLogger(child("[ORCH] ")),
		pipeline.WithMetrics(s.Metrics),
		pipeline.WithCheckpointer(checkpoints),
	)
	return s, nil
}

// buildRouter registers every adapter whose provider is configured. Market
// data, transcripts and the knowledge base need no credentials.
func (s *Service) buildRouter(logger *golog.Logger) (*tools.Router, error) {
	tc := s.Config.Tools
	router := tools.NewRouter(tools.RouterConfig{
		Timeout:       tc.Timeout,
		MaxRetries:    tc.MaxRetries,
		RetryDelay:    tc.RetryDelay,
		MaxResultSize: tc.MaxResultSize,
	}, tools.WithLogger(logger), tools.WithMetrics(s.Metrics))

	yahoo := market.NewYahoo(tc.Market.BaseURL, tc.Timeout, tc.RatePerSecond)
	router.Register(market.PriceAdapter{Provider: yahoo})
	router.Register(market.FinancialsAdapter{Provider: yahoo})
	router.Register(market.IndicatorsAdapter{Provider: yahoo})
	router.Register(youtube.NewAdapter("", tc.YouTube.Languages, tc.YouTube.MaxChars, tc.Timeout))
	router.Register(&rag.Adapter{Library: s.Library, DefaultKB: tc.RAG.DefaultKB, TopK: tc.RAG.TopK, Answerer: s.LLM})

	provider := websearch.Provider(tc.WebSearch.Provider)
	key := tc.WebSearch.SerperAPIKey
	if provider == websearch.BraveProvider {
		key = tc.WebSearch.BraveAPIKey
	}
	if key != "" {
		searcher, err := websearch.NewSearcher(provider, key, tc.Timeout, tc.RatePerSecond)
		if err != nil {
			return nil, err
		}
		router.Register(websearch.NewAdapter(searcher, tc.WebSearch.MaxResults, tc.WebSearch.EnrichTop, tc.Timeout))
	} else {
		logger.Warnf("web_search disabled: no %s api key", provider)
	}

	if tc.NewsAPI.APIKey != "" {
		router.Register(news.New(tc.NewsAPI.APIKey, tc.NewsAPI.Endpoint, tc.NewsAPI.MaxResults, tc.Timeout, tc.RatePerSecond))
	} else {
		logger.Warnf("news disabled: no newsapi key")
	}
	return router, nil
}

func (s *Service) checkpointer() (research.Checkpointer, error) {
	sc := s.Config.Storage
	switch {
	case s.Redis != nil:
		return research.NewRedisCheckpointer(s.Redis, sc.Redis.KeyPrefix, sc.Redis.CheckpointTTL), nil
	case sc.StateDir != "":
		fc, err := research.NewFileCheckpointer(sc.StateDir)
		if err != nil {
			return nil, err
		}
		return fc, nil
	default:
		return research.NoopCheckpointer{}, nil
	}
}

// ServerDeps returns the HTTP dependencies bound to this service.
func (s *Service) ServerDeps() server.Deps {
	d := server.DepsFrom(s.Config)
	d.Store = s.Store
	d.Runner = s.Orchestrator
	d.Tools = s.Router
	d.Gatherer = s.Registry
	d.Logger = logging.New("[HTTP] ", s.Config.General.LogLevel)
	return d
}

// Scheduler returns the cron scheduler for the configured schedules.
func (s *Service) Scheduler() *server.Scheduler {
	d := server.DepsFrom(s.Config)
	prefix := ""
	if s.Config.Storage.Redis.KeyPrefix != "" {
		prefix = s.Config.Storage.Redis.KeyPrefix + ":"
	}
	return &server.Scheduler{
		Schedules: s.Config.Research.Schedules,
		Store:     s.Store,
		Runner:    s.Orchestrator,
		Rdb:       s.Redis,
		KeyPrefix: prefix,
		Limits:    d.Limits,
		Logger:    logging.New("[SCHED] ", s.Config.General.LogLevel),
	}
}

// Close waits for running jobs and releases the knowledge base and Redis.
func (s *Service) Close() error {
	if s.Orchestrator != nil {
		s.Orchestrator.Wait()
	}
	if s.Store != nil {
		s.Store.Close()
	}
	var errs []error
	if s.Library != nil {
		errs = append(errs, s.Library.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	return errors.Join(errs...)
}
