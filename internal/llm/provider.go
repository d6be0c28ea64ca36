package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/intentpilot/internal/models"
)

// Backend defines the generation capability: role-tagged messages in, text out.
type Backend interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Options tune every call made by a LangchainBackend
type Options struct {
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Usage is the token accounting reported by the provider, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// LangchainBackend adapts any langchaingo model to Backend.
type LangchainBackend struct {
	model    llms.Model
	provider string
	opts     Options
	logger   *logrus.Entry
}

// NewLangchainBackend wraps model. provider is used for error reporting.
func NewLangchainBackend(model llms.Model, provider string, opts Options, logger *logrus.Entry) *LangchainBackend {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LangchainBackend{
		model:    model,
		provider: provider,
		opts:     opts,
		logger:   logger.WithField("provider", provider),
	}
}

// Complete sends messages in order and returns the text of the first choice.
// There is no retry: a failed call is classified and returned.
func (b *LangchainBackend) Complete(ctx context.Context, messages []models.Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		role, err := chatRole(msg.Role)
		if err != nil {
			return "", err
		}
		content = append(content, llms.TextParts(role, msg.Content))
	}

	var callOpts []llms.CallOption
	if b.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(b.opts.MaxTokens))
	}
	callOpts = append(callOpts, llms.WithTemperature(b.opts.Temperature))
	if b.opts.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	start := time.Now()
	resp, err := b.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		classified := NewBackendError(b.provider, err)
		b.logger.WithError(err).WithField("kind", classified.Kind).Error("Generation call failed")
		return "", classified
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", NewBackendError(b.provider, errors.New("empty response from model"))
	}

	usage := usageOf(resp.Choices[0])
	b.logger.WithFields(logrus.Fields{
		"messages":     len(messages),
		"duration":     time.Since(start),
		"inputTokens":  usage.InputTokens,
		"outputTokens": usage.OutputTokens,
	}).Debug("Generation call completed")

	return resp.Choices[0].Content, nil
}

func chatRole(role string) (llms.ChatMessageType, error) {
	switch role {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem, nil
	case models.RoleUser:
		return llms.ChatMessageTypeHuman, nil
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI, nil
	default:
		return "", fmt.Errorf("unknown message role %q", role)
	}
}

func usageOf(choice *llms.ContentChoice) Usage {
	var usage Usage
	if choice.GenerationInfo == nil {
		return usage
	}
	usage.InputTokens = intInfo(choice.GenerationInfo, "InputTokens", "PromptTokens")
	usage.OutputTokens = intInfo(choice.GenerationInfo, "OutputTokens", "CompletionTokens")
	return usage
}

func intInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		if v, ok := info[key].(int); ok {
			return v
		}
	}
	return 0
}
