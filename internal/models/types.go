package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// Message roles understood by the generation backend
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of the sequence sent to the backend.
// Order matters: system instructions first, then conversation turns.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Intent tags
const (
	IntentAction       = "action"
	IntentState        = "state"
	IntentConversation = "conversation"
	IntentPipeline     = "pipeline"
	IntentWorkflow     = "workflow" // alias of pipeline
)

// Command is a typed state mutation produced by the backend or by the
// application itself.
type Command struct {
	Type    string         `json:"type"`
	Payload any            `json:"payload,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// CatalogEntry declares one permitted command.
type CatalogEntry struct {
	Type         string          `json:"type" yaml:"type"`
	Description  string          `json:"description" yaml:"description"`
	Keywords     []string        `json:"keywords,omitempty" yaml:"keywords"`
	ParamsSchema json.RawMessage `json:"paramsSchema,omitempty" yaml:"-"`
}

// Catalog maps command type to its declaration.
type Catalog map[string]CatalogEntry

// Types returns the catalog keys in sorted order.
func (c Catalog) Types() []string {
	types := make([]string, 0, len(c))
	for t := range c {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Lookup returns the entry for a type. Entries whose Type field is empty
// inherit the map key.
func (c Catalog) Lookup(commandType string) (CatalogEntry, bool) {
	entry, ok := c[commandType]
	if ok && entry.Type == "" {
		entry.Type = commandType
	}
	return entry, ok
}

// IntentResult is the backend's answer to the classification prompt.
type IntentResult struct {
	Intent    string   `json:"intent"`
	Message   string   `json:"message"`
	Reasoning []string `json:"reasoning"`
}

// StepResult is one resolved step of a pipeline.
type StepResult struct {
	Intent    string   `json:"intent"`
	Message   string   `json:"message"`
	Reasoning []string `json:"reasoning"`
	Action    *Command `json:"action"`
}

// CompletionResponse is what a query resolves to. Pipeline results never
// carry a top-level action; action results never carry a pipeline.
type CompletionResponse struct {
	Intent    string       `json:"intent"`
	Message   string       `json:"message"`
	Reasoning []string     `json:"reasoning"`
	Action    *Command     `json:"action"`
	Pipeline  []StepResult `json:"pipeline,omitempty"`
}

// Text is the user-facing reply: the message, or for pipelines the plan
// message followed by every step message, one per line.
func (r *CompletionResponse) Text() string {
	if len(r.Pipeline) == 0 {
		return r.Message
	}
	lines := make([]string, 0, len(r.Pipeline)+1)
	if r.Message != "" {
		lines = append(lines, r.Message)
	}
	for _, step := range r.Pipeline {
		lines = append(lines, step.Message)
	}
	return strings.Join(lines, "\n")
}

// QueryParams is the input of a single query.
type QueryParams struct {
	Query         string    `json:"query"`
	Actions       Catalog   `json:"actions,omitempty"`
	State         any       `json:"state,omitempty"`
	Conversations string    `json:"conversations,omitempty"`
	History       []Message `json:"history,omitempty"`
}

// HasState reports whether a state snapshot was supplied.
func (p QueryParams) HasState() bool {
	return p.State != nil
}

// HasCatalog reports whether a non-empty catalog was supplied.
func (p QueryParams) HasCatalog() bool {
	return len(p.Actions) > 0
}

// ErrorResponse is the body returned by the transports on failure.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Error codes
const (
	ErrorAuth        = "AUTH_FAILED"
	ErrorRateLimit   = "RATE_LIMITED"
	ErrorModelAccess = "MODEL_ACCESS_DENIED"
	ErrorLLMFailed   = "LLM_API_FAILED"
	ErrorParseError  = "PARSE_ERROR"
	ErrorBadRequest  = "BAD_REQUEST"
)

// InvalidActionMessage is returned when a produced command fails catalog validation.
const InvalidActionMessage = "I couldn't create a valid action for that request. Could you rephrase it?"
