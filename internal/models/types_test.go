package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogTypesSorted(t *testing.T) {
	catalog := Catalog{
		"task/delete": {Description: "Delete"},
		"task/create": {Description: "Create"},
		"note/add":    {Description: "Add"},
	}
	assert.Equal(t, []string{"note/add", "task/create", "task/delete"}, catalog.Types())
}

func TestCatalogLookupInheritsKey(t *testing.T) {
	catalog := Catalog{"task/create": {Description: "Create"}}

	entry, ok := catalog.Lookup("task/create")
	require.True(t, ok)
	assert.Equal(t, "task/create", entry.Type)

	_, ok = catalog.Lookup("task/missing")
	assert.False(t, ok)
}

func TestCompletionResponseJSONShape(t *testing.T) {
	resp := CompletionResponse{Intent: IntentState, Message: "no tasks", Reasoning: []string{"state present"}}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "action")
	assert.Nil(t, decoded["action"])
	assert.NotContains(t, decoded, "pipeline")
}

func TestCompletionResponseText(t *testing.T) {
	single := &CompletionResponse{Intent: IntentConversation, Message: "hello"}
	assert.Equal(t, "hello", single.Text())

	plan := &CompletionResponse{
		Intent:  IntentPipeline,
		Message: "two steps",
		Pipeline: []StepResult{
			{Intent: IntentAction, Message: "created milk"},
			{Intent: IntentState, Message: "one task"},
		},
	}
	assert.Equal(t, "two steps\ncreated milk\none task", plan.Text())

	plan.Message = ""
	assert.Equal(t, "created milk\none task", plan.Text())
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
task/create:
  description: Create a task
  keywords: [add, new]
  params:
    type: object
    properties:
      title: {type: string}
    required: [title]
task/clear:
  description: Remove every task
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	catalog, err := LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, catalog, 2)

	create := catalog["task/create"]
	assert.Equal(t, "task/create", create.Type)
	assert.Equal(t, []string{"add", "new"}, create.Keywords)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(create.ParamsSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"title"}, schema["required"])

	assert.Nil(t, catalog["task/clear"].ParamsSchema)
}

func TestLoadCatalogFileMissing(t *testing.T) {
	_, err := LoadCatalogFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
