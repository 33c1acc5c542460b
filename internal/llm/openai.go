package llm

import (
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mohammad-safakhou/stockresearch/config"
)

// NewModel builds the configured provider model.
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, &Error{Kind: KindConfig, Op: "new_model", Err: errors.New("llm.api_key (or OPENAI_API_KEY) is not set")}
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, &Error{Kind: KindConfig, Op: "new_model", Err: err}
		}
		return m, nil
	default:
		return nil, &Error{Kind: KindConfig, Op: "new_model", Err: fmt.Errorf("unsupported provider %q", cfg.Provider)}
	}
}

// ConfigFrom maps the config section onto client settings.
func ConfigFrom(cfg config.LLMConfig) Config {
	return Config{
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      cfg.Timeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}
}
