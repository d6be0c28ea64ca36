package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/intentpilot/internal/llm"
	"github.com/avvvet/intentpilot/internal/models"
	"github.com/avvvet/intentpilot/internal/prompts"
)

// scriptedBackend replays canned replies in order and records every call.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   [][]models.Message
}

func (b *scriptedBackend) Complete(ctx context.Context, messages []models.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := len(b.calls)
	b.calls = append(b.calls, messages)
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if i >= len(b.replies) {
		return "", errors.New("no scripted reply")
	}
	return b.replies[i], nil
}

func (b *scriptedBackend) prompt(i int) string {
	msgs := b.calls[i]
	return msgs[len(msgs)-1].Content
}

func newHandler(backend llm.Backend) *IntentHandler {
	logger, _ := test.NewNullLogger()
	return NewIntentHandler(backend, logrus.NewEntry(logger))
}

func taskCatalog() models.Catalog {
	return models.Catalog{
		"task/create": {
			Description:  "Create a task",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
		},
	}
}

func TestQueryState(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"state","message":"state lookup","reasoning":["asks for tasks"]}`,
		"Here you go:\n```json\n{\"intent\":\"state\",\"message\":\"You have no tasks.\",\"reasoning\":[\"tasks is empty\"],\"action\":{\"type\":\"task/create\"}}\n```",
	}}
	h := newHandler(backend)

	resp, err := h.Query(context.Background(), models.QueryParams{
		Query: "show all tasks",
		State: map[string]any{"tasks": []any{}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.IntentState, resp.Intent)
	assert.Equal(t, "You have no tasks.", resp.Message)
	assert.Nil(t, resp.Action)
	assert.Nil(t, resp.Pipeline)

	require.Len(t, backend.calls, 2)
	assert.Equal(t, models.RoleSystem, backend.calls[0][0].Role)
	assert.Contains(t, backend.prompt(1), "Answer the user's question using only the application state")
	assert.Contains(t, backend.prompt(1), `"tasks": []`)
}

func TestQueryAction(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"action","message":"create","reasoning":[]}`,
		`{"intent":"action","message":"Creating task demo","reasoning":["title given"],"action":{"type":"task/create","payload":{"title":"demo","priority":3}}}`,
	}}
	h := newHandler(backend)

	resp, err := h.Query(context.Background(), models.QueryParams{Query: "create a task", Actions: taskCatalog()})
	require.NoError(t, err)

	assert.Equal(t, models.IntentAction, resp.Intent)
	require.NotNil(t, resp.Action)
	assert.Equal(t, "task/create", resp.Action.Type)
	assert.Equal(t, map[string]any{"title": "demo", "priority": json.Number("3")}, resp.Action.Payload)
	assert.Nil(t, resp.Pipeline)
	assert.Contains(t, backend.prompt(1), `- "task/create"`)
}

func TestQueryActionKeepsMalformedCommandForValidation(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"action","message":"create"}`,
		`{"message":"ok","action":{"type":7}}`,
	}}
	resp, err := newHandler(backend).Query(context.Background(), models.QueryParams{Query: "create", Actions: taskCatalog()})
	require.NoError(t, err)
	require.NotNil(t, resp.Action)
	assert.Empty(t, resp.Action.Type)
}

func TestQueryConversationUsesHistory(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"conversation","message":"chat"}`,
		`{"message":"You're welcome!","action":{"type":"task/create"}}`,
	}}
	history := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	resp, err := newHandler(backend).Query(context.Background(), models.QueryParams{
		Query:         "thanks",
		Conversations: "User: hi\nAssistant: hello",
		History:       history,
	})
	require.NoError(t, err)

	assert.Equal(t, models.IntentConversation, resp.Intent)
	assert.Equal(t, "You're welcome!", resp.Message)
	assert.Nil(t, resp.Action)
	assert.Equal(t, []string{}, resp.Reasoning)

	sent := backend.calls[1]
	require.Len(t, sent, 4)
	assert.Equal(t, prompts.SystemPrompt, sent[0].Content)
	assert.Equal(t, history, sent[1:3])
	assert.Contains(t, sent[3].Content, "User: hi\nAssistant: hello")
}

func TestQueryPipeline(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"pipeline","message":"two steps","reasoning":["and then"]}`,
		`{"intent":"pipeline","message":"Create then list","pipeline":[
			{"intent":"action","message":"create a task"},
			{"intent":"state","message":"show all tasks"}]}`,
		`{"message":"Creating task","action":{"type":"task/create","payload":{"title":"a task"}}}`,
		`{"message":"You have one task.","action":null}`,
	}}
	h := newHandler(backend)

	var seen []int
	resp, err := h.QueryWith(context.Background(), models.QueryParams{
		Query:   "create a task and then show all tasks",
		Actions: taskCatalog(),
		State:   map[string]any{"tasks": []any{}},
	}, func(ctx context.Context, index int, step *models.StepResult) (any, error) {
		seen = append(seen, index)
		return map[string]any{"tasks": []any{map[string]any{"id": "t1", "title": "a task"}}}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, models.IntentPipeline, resp.Intent)
	assert.Nil(t, resp.Action)
	require.Len(t, resp.Pipeline, 2)
	assert.Equal(t, []int{0, 1}, seen)

	assert.Equal(t, models.IntentAction, resp.Pipeline[0].Intent)
	require.NotNil(t, resp.Pipeline[0].Action)
	assert.Equal(t, "task/create", resp.Pipeline[0].Action.Type)

	assert.Equal(t, models.IntentState, resp.Pipeline[1].Intent)
	assert.Nil(t, resp.Pipeline[1].Action)

	// The second step sees the state returned by the hook.
	assert.Contains(t, backend.prompt(3), `"id": "t1"`)
	assert.Contains(t, backend.prompt(3), "show all tasks")
}

func TestQueryPipelineDowngradesSteps(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"workflow","message":"plan"}`,
		`{"pipeline":[
			{"intent":"dance","message":"do a dance"},
			{"intent":"state","message":"show tasks"},
			{"intent":"action","message":"create a task"}]}`,
		`{"message":"I can't dance."}`,
		`{"message":"No state was given."}`,
		`{"message":"There are no actions."}`,
	}}

	resp, err := newHandler(backend).Query(context.Background(), models.QueryParams{Query: "dance, list and create"})
	require.NoError(t, err)

	require.Len(t, resp.Pipeline, 3)
	for i, step := range resp.Pipeline {
		assert.Equal(t, models.IntentConversation, step.Intent, "step %d", i)
		assert.Nil(t, step.Action)
	}
	assert.Equal(t, "plan", resp.Message)
	assert.Contains(t, backend.prompt(2), "Reply conversationally")
}

func TestQueryPipelineLengthMatchesPlan(t *testing.T) {
	for n := 1; n <= 4; n++ {
		replies := []string{`{"intent":"pipeline","message":"p"}`}
		var steps []string
		for i := 0; i < n; i++ {
			steps = append(steps, `{"intent":"conversation","message":"step"}`)
		}
		replies = append(replies, `{"pipeline":[`+strings.Join(steps, ",")+`]}`)
		for i := 0; i < n; i++ {
			replies = append(replies, `{"message":"ok"}`)
		}

		resp, err := newHandler(&scriptedBackend{replies: replies}).Query(context.Background(), models.QueryParams{Query: "q"})
		require.NoError(t, err)
		assert.Len(t, resp.Pipeline, n)
		assert.Nil(t, resp.Action)
	}
}

func TestQueryFailures(t *testing.T) {
	backendErr := &llm.BackendError{Kind: llm.KindRateLimit, Err: errors.New("429")}

	tests := []struct {
		name    string
		backend *scriptedBackend
		params  models.QueryParams
		want    error
	}{
		{
			name:    "unknown intent",
			backend: &scriptedBackend{replies: []string{`{"intent":"guess","message":"?"}`}},
			params:  models.QueryParams{Query: "q"},
			want:    ErrClassification,
		},
		{
			name:    "no json",
			backend: &scriptedBackend{replies: []string{"I think it's an action"}},
			params:  models.QueryParams{Query: "q"},
			want:    ErrClassification,
		},
		{
			name:    "backend failure",
			backend: &scriptedBackend{errs: []error{backendErr}},
			params:  models.QueryParams{Query: "q"},
			want:    backendErr,
		},
		{
			name:    "action without catalog",
			backend: &scriptedBackend{replies: []string{`{"intent":"action","message":"x"}`}},
			params:  models.QueryParams{Query: "create a task"},
			want:    prompts.ErrMissingCatalog,
		},
		{
			name:    "state without state",
			backend: &scriptedBackend{replies: []string{`{"intent":"state","message":"x"}`}},
			params:  models.QueryParams{Query: "show tasks"},
			want:    prompts.ErrMissingState,
		},
		{
			name: "malformed stage",
			backend: &scriptedBackend{replies: []string{
				`{"intent":"conversation","message":"x"}`,
				`{"reasoning":["no message"]}`,
			}},
			params: models.QueryParams{Query: "hello"},
			want:   ErrMalformedResponse,
		},
		{
			name: "empty plan",
			backend: &scriptedBackend{replies: []string{
				`{"intent":"pipeline","message":"x"}`,
				`{"pipeline":[]}`,
			}},
			params: models.QueryParams{Query: "a and b"},
			want:   ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := newHandler(tt.backend).Query(context.Background(), tt.params)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestQueryEmpty(t *testing.T) {
	backend := &scriptedBackend{}
	_, err := newHandler(backend).Query(context.Background(), models.QueryParams{Query: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, backend.calls)
}

func TestQueryPipelineHookError(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		`{"intent":"pipeline","message":"p"}`,
		`{"pipeline":[{"intent":"conversation","message":"a"},{"intent":"conversation","message":"b"}]}`,
		`{"message":"ok"}`,
	}}
	boom := errors.New("apply failed")
	_, err := newHandler(backend).QueryWith(context.Background(), models.QueryParams{Query: "a then b"},
		func(ctx context.Context, index int, step *models.StepResult) (any, error) {
			return nil, boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, backend.calls, 3)
}
