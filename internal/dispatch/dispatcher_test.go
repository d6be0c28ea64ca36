package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/intentpilot/internal/effects"
	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/memory"
	"github.com/avvvet/intentpilot/internal/models"
)

type counterApp struct {
	mu      sync.Mutex
	count   int
	tasks   []string
	applied []string
	failOn  string
}

func (a *counterApp) Apply(ctx context.Context, cmd models.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cmd.Type == a.failOn {
		return errors.New("boom")
	}
	a.applied = append(a.applied, cmd.Type)
	switch cmd.Type {
	case "test/increment":
		a.count++
	case "task/create":
		payload := cmd.Payload.(map[string]any)
		a.tasks = append(a.tasks, payload["title"].(string))
	}
	return nil
}

func (a *counterApp) Snapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	tasks := make([]any, len(a.tasks))
	for i, t := range a.tasks {
		tasks[i] = map[string]any{"title": t}
	}
	return map[string]any{"count": a.count, "tasks": tasks}
}

func catalog() models.Catalog {
	return models.Catalog{
		"test/increment": {Description: "Increment the counter"},
		"task/create": {
			Description:  "Create a task",
			ParamsSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
		},
	}
}

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func newStore(t *testing.T) *memory.Store {
	s := memory.NewStore(memory.NewMemoryBackend(), memory.NewHashEmbedder(64), memory.Options{MaxEntries: 100}, nullEntry())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateCommandEnvelope(t *testing.T) {
	d := New(catalog(), &counterApp{}, WithLogger(nullEntry()))

	cmd, err := d.Validate(map[string]any{"type": "test/increment"})
	require.NoError(t, err)
	assert.Equal(t, "test/increment", cmd.Type)

	_, err = d.Validate(map[string]any{"invalid": "format"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = d.Validate(models.Command{Type: "task/delete"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.ErrorContains(t, err, "unknown command type")
}

func TestExecuteAction(t *testing.T) {
	app := &counterApp{}
	store := newStore(t)
	d := New(catalog(), app, WithRecorder(store), WithLogger(nullEntry()))

	resp := &models.CompletionResponse{
		Intent:  models.IntentAction,
		Message: "Creating milk",
		Action:  &models.Command{Type: "task/create", Payload: map[string]any{"title": "milk", "color": "blue"}},
	}
	out, err := d.Execute(context.Background(), "create a task called milk", resp)
	require.NoError(t, err)

	require.NotNil(t, out.Action)
	assert.Equal(t, map[string]any{"title": "milk"}, out.Action.Payload)
	assert.Equal(t, []string{"milk"}, app.tasks)
	assert.Equal(t, "Creating milk", out.Message)

	entries, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create a task called milk", entries[0].Metadata.Query)
	assert.Equal(t, "Creating milk", entries[0].Metadata.Response)
}

func TestExecuteInvalidActionApologizes(t *testing.T) {
	app := &counterApp{}
	d := New(catalog(), app, WithLogger(nullEntry()))

	for _, action := range []*models.Command{
		nil,
		{},
		{Type: "task/create", Payload: map[string]any{"name": "milk"}},
		{Type: "task/explode"},
	} {
		resp := &models.CompletionResponse{Intent: models.IntentAction, Message: "ok", Action: action}
		out, err := d.Execute(context.Background(), "q", resp)
		require.NoError(t, err)
		assert.Equal(t, models.InvalidActionMessage, out.Message)
		assert.Nil(t, out.Action)
	}
	assert.Empty(t, app.applied)
}

func TestExecuteApplyFailurePropagates(t *testing.T) {
	app := &counterApp{failOn: "test/increment"}
	d := New(catalog(), app, WithLogger(nullEntry()))

	_, err := d.Execute(context.Background(), "q", &models.CompletionResponse{
		Intent: models.IntentAction,
		Action: &models.Command{Type: "test/increment"},
	})
	assert.ErrorContains(t, err, "boom")
}

func TestExecutePipeline(t *testing.T) {
	app := &counterApp{}
	d := New(catalog(), app, WithLogger(nullEntry()))

	resp := &models.CompletionResponse{
		Intent: models.IntentPipeline,
		Pipeline: []models.StepResult{
			{Intent: models.IntentAction, Message: "inc", Action: &models.Command{Type: "test/increment"}},
			{Intent: models.IntentAction, Message: "bad", Action: &models.Command{Type: "nope"}},
			{Intent: models.IntentState, Message: "count is 1", Action: &models.Command{Type: "test/increment"}},
		},
	}
	out, err := d.Execute(context.Background(), "inc, bad, show", resp)
	require.NoError(t, err)

	assert.Nil(t, out.Action)
	require.Len(t, out.Pipeline, 3)
	assert.NotNil(t, out.Pipeline[0].Action)
	assert.Equal(t, models.InvalidActionMessage, out.Pipeline[1].Message)
	assert.Nil(t, out.Pipeline[1].Action)
	assert.Nil(t, out.Pipeline[2].Action)
	assert.Equal(t, 1, app.count)

	// the input is left untouched
	assert.Equal(t, "bad", resp.Pipeline[1].Message)
}

func TestExecutePipelineStepWithoutCommandApologizes(t *testing.T) {
	app := &counterApp{}
	d := New(catalog(), app, WithLogger(nullEntry()))

	out, err := d.Execute(context.Background(), "add a task, then count", &models.CompletionResponse{
		Intent: models.IntentPipeline,
		Pipeline: []models.StepResult{
			{Intent: models.IntentAction, Message: "Done! I created your task."},
			{Intent: models.IntentAction, Message: "inc", Action: &models.Command{Type: "test/increment"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.InvalidActionMessage, out.Pipeline[0].Message)
	assert.Nil(t, out.Pipeline[0].Action)
	assert.Equal(t, "inc", out.Pipeline[1].Message)
	assert.Equal(t, []string{"test/increment"}, app.applied)
}

func TestRecordErrorDoesNotMaskResult(t *testing.T) {
	var recorded error
	d := New(catalog(), &counterApp{}, WithRecorder(failingRecorder{}), WithLogger(nullEntry()))
	d.OnRecordError = func(err error) { recorded = err }

	out, err := d.Execute(context.Background(), "q", &models.CompletionResponse{Intent: models.IntentConversation, Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Message)
	assert.EqualError(t, recorded, "store down")
}

type failingRecorder struct{}

func (failingRecorder) StoreInteraction(ctx context.Context, query, response string, state any) (memory.Entry, error) {
	return memory.Entry{}, errors.New("store down")
}

// asyncApp starts work on "job/start" and reports back through Emit.
type asyncApp struct {
	counterApp
	d        *Dispatcher
	finished chan struct{}
}

func (a *asyncApp) Apply(ctx context.Context, cmd models.Command) error {
	if cmd.Type == "job/start" {
		go func() {
			time.Sleep(30 * time.Millisecond)
			close(a.finished)
			_ = a.d.Emit(context.Background(), models.Command{Type: "job/done"})
		}()
	}
	return a.counterApp.Apply(ctx, cmd)
}

func TestExecuteWaitsForEffects(t *testing.T) {
	tracker := effects.New(effects.WithLogger(nullEntry()), effects.WithTimeout(time.Second))
	defer tracker.Close()
	tracker.Declare(effects.Declaration{Start: []string{"job/start"}, End: []string{"job/done"}})

	app := &asyncApp{finished: make(chan struct{})}
	cat := models.Catalog{"job/start": {Description: "Start a job"}}
	d := New(cat, app, WithTracker(tracker), WithLogger(nullEntry()))
	app.d = d

	_, err := d.Execute(context.Background(), "start the job", &models.CompletionResponse{
		Intent: models.IntentAction,
		Action: &models.Command{Type: "job/start"},
	})
	require.NoError(t, err)

	select {
	case <-app.finished:
	default:
		t.Fatal("execute returned before the job finished")
	}
	assert.Empty(t, tracker.Pending())
	assert.Equal(t, 1, tracker.Stats().Completed)
}

type scriptedBackend struct {
	replies []string
	calls   int
	prompts []string
}

func (b *scriptedBackend) Complete(ctx context.Context, messages []models.Message) (string, error) {
	b.prompts = append(b.prompts, messages[len(messages)-1].Content)
	reply := b.replies[b.calls]
	b.calls++
	return reply, nil
}

func TestRunPipelineAppliesStepsInOrder(t *testing.T) {
	app := &counterApp{}
	store := newStore(t)
	d := New(catalog(), app, WithRecorder(store), WithLogger(nullEntry()))

	backend := &scriptedBackend{replies: []string{
		`{"intent":"pipeline","message":"create then show"}`,
		`{"message":"plan","pipeline":[{"intent":"action","message":"create a task called milk"},{"intent":"state","message":"show all tasks"}]}`,
		`{"message":"Creating milk","action":{"type":"task/create","payload":{"title":"milk"}}}`,
		`{"message":"You have one task: milk."}`,
	}}
	h := handlers.NewIntentHandler(backend, nullEntry())

	resp, err := d.Run(context.Background(), h, models.QueryParams{Query: "create a task called milk and then show all tasks"})
	require.NoError(t, err)

	require.Len(t, resp.Pipeline, 2)
	assert.Equal(t, []string{"milk"}, app.tasks)
	// the state step was prompted after the create step was applied
	assert.Contains(t, backend.prompts[3], `"title": "milk"`)

	entries, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "plan\nCreating milk\nYou have one task: milk.", entries[0].Metadata.Response)
}

func TestRunActionDefaultsCatalogAndState(t *testing.T) {
	app := &counterApp{}
	d := New(catalog(), app, WithLogger(nullEntry()))

	backend := &scriptedBackend{replies: []string{
		`{"intent":"action","message":"inc"}`,
		`{"message":"Incremented","action":{"type":"test/increment"}}`,
	}}
	resp, err := d.Run(context.Background(), handlers.NewIntentHandler(backend, nullEntry()), models.QueryParams{Query: "increment"})
	require.NoError(t, err)

	assert.Equal(t, 1, app.count)
	require.NotNil(t, resp.Action)
	assert.Equal(t, "test/increment", resp.Action.Type)
	assert.Contains(t, backend.prompts[0], `"test/increment"`)
	assert.Contains(t, backend.prompts[0], `"count": 0`)
}
