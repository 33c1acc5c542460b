package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
	Env      string `mapstructure:"env"`
}

// ServerConfig contains HTTP server and stream settings
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	MaxJobs           int           `mapstructure:"max_jobs"`
	AllowOrigins      []string      `mapstructure:"allow_origins"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be > 0")
	}
	if s.SubscriberBuffer <= 0 {
		return fmt.Errorf("server.subscriber_buffer must be > 0")
	}
	return nil
}

// LLMConfig contains the completion provider settings shared by every stage agent
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"` // openai or any openai-compatible endpoint
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PromptsFile  string        `mapstructure:"prompts_file"`
}

func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "openai":
	default:
		return fmt.Errorf("llm.provider %q not supported", l.Provider)
	}
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries cannot be negative")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	return nil
}

// ResearchConfig bounds every research job
type ResearchConfig struct {
	DefaultMaxTopics     int              `mapstructure:"default_max_topics"`
	MinTopics            int              `mapstructure:"min_topics"`
	MaxTopicsLimit       int              `mapstructure:"max_topics_limit"`
	MaxIterations        int              `mapstructure:"max_iterations"`
	MaxToolCallsPerTopic int              `mapstructure:"max_tool_calls_per_topic"`
	MaxDuration          time.Duration    `mapstructure:"max_duration"`
	MaxConcurrentJobs    int              `mapstructure:"max_concurrent_jobs"`
	DefaultLanguage      string           `mapstructure:"default_language"`
	ManagerEnabled       bool             `mapstructure:"manager_enabled"`
	MaxGapTopics         int              `mapstructure:"max_gap_topics"`
	Schedules            []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig describes a recurring research submission.
type ScheduleConfig struct {
	Name      string   `mapstructure:"name"`
	Cron      string   `mapstructure:"cron"`
	Topic     string   `mapstructure:"topic"`
	Symbols   []string `mapstructure:"symbols"`
	Market    string   `mapstructure:"market"`
	MaxTopics int      `mapstructure:"max_topics"`
}

// Normalize applies defaults for unset research values.
func (r ResearchConfig) Normalize() ResearchConfig {
	if r.MinTopics <= 0 {
		r.MinTopics = 3
	}
	if r.MaxTopicsLimit <= 0 {
		r.MaxTopicsLimit = 20
	}
	if r.DefaultMaxTopics <= 0 {
		r.DefaultMaxTopics = 10
	}
	if r.MaxIterations <= 0 {
		r.MaxIterations = 50
	}
	if r.MaxToolCallsPerTopic <= 0 {
		r.MaxToolCallsPerTopic = 5
	}
	if r.MaxConcurrentJobs <= 0 {
		r.MaxConcurrentJobs = 4
	}
	if r.MaxGapTopics < 0 {
		r.MaxGapTopics = 0
	}
	r.DefaultLanguage = strings.ToLower(strings.TrimSpace(r.DefaultLanguage))
	if r.DefaultLanguage == "" {
		r.DefaultLanguage = "en"
	}
	return r
}

func (r ResearchConfig) Validate() error {
	if r.MinTopics > r.MaxTopicsLimit {
		return fmt.Errorf("research.min_topics cannot exceed research.max_topics_limit")
	}
	if r.DefaultMaxTopics < r.MinTopics || r.DefaultMaxTopics > r.MaxTopicsLimit {
		return fmt.Errorf("research.default_max_topics must be within [%d, %d]", r.MinTopics, r.MaxTopicsLimit)
	}
	if r.MaxDuration < 0 {
		return fmt.Errorf("research.max_duration cannot be negative")
	}
	switch r.DefaultLanguage {
	case "en", "ko":
	default:
		return fmt.Errorf("research.default_language %q not supported", r.DefaultLanguage)
	}
	for i, s := range r.Schedules {
		if strings.TrimSpace(s.Cron) == "" || strings.TrimSpace(s.Topic) == "" {
			return fmt.Errorf("research.schedules[%d]: cron and topic required", i)
		}
	}
	return nil
}

// ToolsConfig contains tool router and provider settings
type ToolsConfig struct {
	Timeout       time.Duration   `mapstructure:"timeout"`
	MaxRetries    int             `mapstructure:"max_retries"`
	RetryDelay    time.Duration   `mapstructure:"retry_delay"`
	MaxResultSize int             `mapstructure:"max_result_size"`
	RatePerSecond float64         `mapstructure:"rate_per_second"`
	Market        MarketConfig    `mapstructure:"market"`
	WebSearch     WebSearchConfig `mapstructure:"web_search"`
	NewsAPI       NewsAPIConfig   `mapstructure:"newsapi"`
	RAG           RAGConfig       `mapstructure:"rag"`
	YouTube       YouTubeConfig   `mapstructure:"youtube"`
}

// MarketConfig points at the quote/fundamentals provider
type MarketConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider     string `mapstructure:"provider"` // serper or brave
	SerperAPIKey string `mapstructure:"serper_api_key"`
	BraveAPIKey  string `mapstructure:"brave_api_key"`
	MaxResults   int    `mapstructure:"max_results"`
	EnrichTop    int    `mapstructure:"enrich_top"`
}

// NewsAPIConfig contains NewsAPI settings
type NewsAPIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Endpoint   string `mapstructure:"endpoint"`
	MaxResults int    `mapstructure:"max_results"`
}

// RAGConfig locates knowledge-base indexes
type RAGConfig struct {
	IndexDir  string `mapstructure:"index_dir"`
	DefaultKB string `mapstructure:"default_kb"`
	TopK      int    `mapstructure:"top_k"`
}

// YouTubeConfig contains transcript preferences
type YouTubeConfig struct {
	Languages []string `mapstructure:"languages"`
	MaxChars  int      `mapstructure:"max_chars"`
}

func (t ToolsConfig) Validate() error {
	if t.Timeout <= 0 {
		return fmt.Errorf("tools.timeout must be > 0")
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("tools.max_retries cannot be negative")
	}
	if t.MaxResultSize <= 0 {
		return fmt.Errorf("tools.max_result_size must be > 0")
	}
	switch t.WebSearch.Provider {
	case "serper", "brave":
	default:
		return fmt.Errorf("tools.web_search.provider %q not supported", t.WebSearch.Provider)
	}
	return nil
}

// StorageConfig contains checkpoint and redis settings
type StorageConfig struct {
	StateDir string      `mapstructure:"state_dir"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings. Redis is optional; an empty
// address disables every Redis-backed component.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	EventsStream  string        `mapstructure:"events_stream"`
	StreamMaxLen  int64         `mapstructure:"stream_max_len"`
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if !strings.Contains(r.Addr, ":") {
		return fmt.Errorf("storage.redis.addr must be host:port")
	}
	if r.DB < 0 {
		return fmt.Errorf("storage.redis.db cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.env", "development")

	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.heartbeat_interval", 30*time.Second)
	v.SetDefault("server.subscriber_buffer", 100)
	v.SetDefault("server.max_jobs", 1000)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 90*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_backoff", time.Second)

	v.SetDefault("research.default_max_topics", 10)
	v.SetDefault("research.min_topics", 3)
	v.SetDefault("research.max_topics_limit", 20)
	v.SetDefault("research.max_iterations", 50)
	v.SetDefault("research.max_tool_calls_per_topic", 5)
	v.SetDefault("research.max_duration", 20*time.Minute)
	v.SetDefault("research.max_concurrent_jobs", 4)
	v.SetDefault("research.default_language", "en")
	v.SetDefault("research.manager_enabled", false)
	v.SetDefault("research.max_gap_topics", 2)

	v.SetDefault("tools.timeout", 30*time.Second)
	v.SetDefault("tools.max_retries", 2)
	v.SetDefault("tools.retry_delay", time.Second)
	v.SetDefault("tools.max_result_size", 50000)
	v.SetDefault("tools.rate_per_second", 5.0)
	v.SetDefault("tools.market.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("tools.web_search.provider", "serper")
	v.SetDefault("tools.web_search.max_results", 5)
	v.SetDefault("tools.web_search.enrich_top", 1)
	v.SetDefault("tools.newsapi.endpoint", "https://newsapi.org/v2/everything")
	v.SetDefault("tools.newsapi.max_results", 10)
	v.SetDefault("tools.rag.default_kb", "default")
	v.SetDefault("tools.rag.top_k", 5)
	v.SetDefault("tools.youtube.languages", []string{"en", "ko"})
	v.SetDefault("tools.youtube.max_chars", 20000)

	// empty defaults register the keys so env overrides reach Unmarshal
	for _, key := range []string{
		"llm.api_key", "llm.base_url", "llm.prompts_file",
		"tools.web_search.serper_api_key", "tools.web_search.brave_api_key",
		"tools.newsapi.api_key", "tools.rag.index_dir",
		"storage.state_dir", "storage.redis.addr", "storage.redis.password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "stockresearch")
	v.SetDefault("storage.redis.events_stream", "stockresearch:events")
	v.SetDefault("storage.redis.stream_max_len", 10000)
	v.SetDefault("storage.redis.checkpoint_ttl", 24*time.Hour)

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.service_name", "stockresearch")
}

// Load reads configuration from path (or the default search paths when empty),
// overlays STOCKRESEARCH_* environment variables and validates the result.
// A missing config file is not an error; defaults and env cover every key.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("STOCKRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// the conventional provider variable wins when no explicit key is set
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.Research = cfg.Research.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is Load for callers that cannot continue without configuration.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Research.Validate(); err != nil {
		return err
	}
	if err := c.Tools.Validate(); err != nil {
		return err
	}
	return c.Storage.Redis.Validate()
}
