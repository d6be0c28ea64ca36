package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/avvvet/intentpilot/internal/models"
)

type recordingModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	resp     *llms.ContentResponse
	err      error
}

func (m *recordingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.opts)
	}
	return m.resp, m.err
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func testEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestCompleteMapsRolesInOrder(t *testing.T) {
	model := &recordingModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        `{"intent":"conversation"}`,
		GenerationInfo: map[string]any{"InputTokens": 12, "OutputTokens": 4},
	}}}}
	backend := NewLangchainBackend(model, "fake", Options{MaxTokens: 128, Temperature: 0.2, JSONMode: true}, testEntry())

	out, err := backend.Complete(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "prompt"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"intent":"conversation"}`, out)

	require.Len(t, model.messages, 4)
	roles := []llms.ChatMessageType{
		llms.ChatMessageTypeSystem, llms.ChatMessageTypeHuman, llms.ChatMessageTypeAI, llms.ChatMessageTypeHuman,
	}
	for i, role := range roles {
		assert.Equal(t, role, model.messages[i].Role)
	}
	assert.Equal(t, llms.TextContent{Text: "prompt"}, model.messages[3].Parts[0])

	assert.Equal(t, 128, model.opts.MaxTokens)
	assert.InDelta(t, 0.2, model.opts.Temperature, 1e-9)
	assert.True(t, model.opts.JSONMode)
}

func TestCompleteRejectsUnknownRole(t *testing.T) {
	backend := NewLangchainBackend(&recordingModel{}, "fake", Options{}, testEntry())
	_, err := backend.Complete(context.Background(), []models.Message{{Role: "tool", Content: "x"}})
	assert.ErrorContains(t, err, `unknown message role "tool"`)
}

func TestCompleteClassifiesFailures(t *testing.T) {
	model := &recordingModel{err: errors.New("API returned unexpected status code: 401: invalid x-api-key")}
	backend := NewLangchainBackend(model, "anthropic", Options{}, testEntry())

	_, err := backend.Complete(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}})
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuth, be.Kind)
	assert.Equal(t, "anthropic", be.Provider)
	assert.ErrorIs(t, err, model.err)
}

func TestCompleteEmptyResponse(t *testing.T) {
	backend := NewLangchainBackend(&recordingModel{resp: &llms.ContentResponse{}}, "fake", Options{}, testEntry())
	_, err := backend.Complete(context.Background(), []models.Message{{Role: models.RoleUser, Content: "x"}})
	assert.ErrorContains(t, err, "empty response")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "typed auth", err: llms.NewError(llms.ErrCodeAuthentication, "anthropic", "bad key"), want: KindAuth},
		{name: "typed quota", err: llms.NewError(llms.ErrCodeQuotaExceeded, "openai", "out of credit"), want: KindRateLimit},
		{name: "typed not found", err: llms.NewError(llms.ErrCodeResourceNotFound, "openai", "no such model"), want: KindModelAccess},
		{name: "api key text", err: errors.New("Invalid API key provided"), want: KindAuth},
		{name: "unauthorized", err: errors.New("request failed: Unauthorized"), want: KindAuth},
		{name: "rate limited", err: errors.New("status 429: Too Many Requests"), want: KindRateLimit},
		{name: "rate limit words", err: errors.New("rate limit reached for requests"), want: KindRateLimit},
		{name: "forbidden", err: errors.New("403 Forbidden"), want: KindModelAccess},
		{name: "model access", err: errors.New("your organization does not have access to model gpt-5"), want: KindModelAccess},
		{name: "wrapped", err: fmt.Errorf("generate: %w", errors.New("quota exhausted")), want: KindRateLimit},
		{name: "network", err: errors.New("dial tcp: connection refused"), want: KindUnknown},
		{name: "status code inside a number", err: errors.New("request took 4013ms then the connection dropped"), want: KindUnknown},
		{name: "port inside a number", err: errors.New("dial tcp 10.0.0.1:14290: i/o timeout"), want: KindUnknown},
		{name: "permission word alone", err: errors.New("cannot write cache file: missing permissions"), want: KindUnknown},
		{name: "bare auth status", err: errors.New("anthropic: status code 401"), want: KindAuth},
		{name: "nil", err: nil, want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindOfPrefersBackendError(t *testing.T) {
	err := fmt.Errorf("query: %w", &BackendError{Kind: KindModelAccess, Err: errors.New("boom")})
	assert.Equal(t, KindModelAccess, KindOf(err))
	assert.Equal(t, KindRateLimit, KindOf(errors.New("429")))
}
