package llm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/avvvet/intentpilot/internal/config"
)

// NewBackend builds the generation backend selected by cfg.LLMProvider.
func NewBackend(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (*LangchainBackend, error) {
	opts := Options{
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	}

	var (
		model llms.Model
		err   error
	)

	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.AnthropicModel),
		)
	case config.ProviderOpenAI:
		opts.JSONMode = true
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.OpenAIModel),
		)
	case config.ProviderOllama:
		opts.JSONMode = true
		model, err = ollama.New(
			ollama.WithServerURL(cfg.OllamaEndpoint),
			ollama.WithModel(cfg.OllamaModel),
		)
	case config.ProviderGemini:
		opts.JSONMode = true
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.GeminiAPIKey),
			googleai.WithDefaultModel(cfg.GeminiModel),
		)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s model: %w", cfg.LLMProvider, err)
	}

	logger.WithFields(logrus.Fields{
		"provider": cfg.LLMProvider,
		"model":    cfg.ModelName(),
	}).Info("Generation backend initialized")

	return NewLangchainBackend(model, cfg.LLMProvider, opts, logger), nil
}
