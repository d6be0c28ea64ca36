package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avvvet/intentpilot/internal/llm"
	"github.com/avvvet/intentpilot/internal/models"
	"github.com/avvvet/intentpilot/internal/prompts"
	"github.com/avvvet/intentpilot/internal/schema"
)

var (
	ErrEmptyQuery        = errors.New("query is required")
	ErrClassification    = errors.New("intent classification failed")
	ErrMalformedResponse = errors.New("malformed backend response")
)

// Intents resolved by a single stage prompt. Pipelines are expanded
// before reaching resolve.
var stageIntents = map[string]bool{
	models.IntentAction:       true,
	models.IntentState:        true,
	models.IntentConversation: true,
}

// StepFunc is called after each pipeline step is resolved and before the
// next one is. It may rewrite the step (for example to drop an invalid
// action) and returns the state snapshot later steps should see.
type StepFunc func(ctx context.Context, index int, step *models.StepResult) (state any, err error)

// IntentHandler routes a query through classification and the
// intent-specific stage.
type IntentHandler struct {
	backend   llm.Backend
	validator *schema.Validator
	logger    *logrus.Entry
}

func NewIntentHandler(backend llm.Backend, logger *logrus.Entry) *IntentHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &IntentHandler{
		backend:   backend,
		validator: schema.NewValidator(),
		logger:    logger,
	}
}

// Query resolves params into a CompletionResponse. Backend, parsing and
// precondition failures are returned as errors; nothing is retried.
func (h *IntentHandler) Query(ctx context.Context, params models.QueryParams) (*models.CompletionResponse, error) {
	return h.QueryWith(ctx, params, nil)
}

// QueryWith is Query with a hook invoked between pipeline steps.
func (h *IntentHandler) QueryWith(ctx context.Context, params models.QueryParams, onStep StepFunc) (*models.CompletionResponse, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	classification, err := h.classify(ctx, params)
	if err != nil {
		return nil, err
	}

	log := h.logger.WithFields(logrus.Fields{
		"intent": classification.Intent,
		"query":  truncate(params.Query, 120),
	})
	log.Debug("Query classified")

	var resp *models.CompletionResponse
	switch classification.Intent {
	case models.IntentPipeline, models.IntentWorkflow:
		resp, err = h.runPipeline(ctx, params, classification, onStep)
	default:
		var step models.StepResult
		step, err = h.resolve(ctx, classification.Intent, params, stageIntents)
		if err == nil {
			resp = &models.CompletionResponse{
				Intent:    step.Intent,
				Message:   step.Message,
				Reasoning: step.Reasoning,
				Action:    step.Action,
			}
		}
	}
	if err != nil {
		log.WithError(err).Warn("Query failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"steps":    len(resp.Pipeline),
		"duration": time.Since(start),
	}).Info("Query resolved")
	return resp, nil
}

func (h *IntentHandler) classify(ctx context.Context, params models.QueryParams) (*models.IntentResult, error) {
	prompt, err := prompts.Generate(prompts.StageIntent, params)
	if err != nil {
		return nil, err
	}

	content, err := h.backend.Complete(ctx, h.messages(params, prompt))
	if err != nil {
		return nil, err
	}

	var result models.IntentResult
	if err := h.decode(content, classificationSchema, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	if result.Reasoning == nil {
		result.Reasoning = []string{}
	}
	return &result, nil
}

// resolve runs one stage-specific prompt. Intents outside allowed are
// downgraded to conversation.
func (h *IntentHandler) resolve(ctx context.Context, intent string, params models.QueryParams, allowed map[string]bool) (models.StepResult, error) {
	if !allowed[intent] {
		h.logger.WithField("intent", intent).Warn("Unsupported intent, answering conversationally")
		intent = models.IntentConversation
	}

	prompt, err := prompts.Generate(intent, params)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("%s stage: %w", intent, err)
	}

	content, err := h.backend.Complete(ctx, h.messages(params, prompt))
	if err != nil {
		return models.StepResult{}, err
	}

	var raw struct {
		Message   string          `json:"message"`
		Reasoning []string        `json:"reasoning"`
		Action    json.RawMessage `json:"action"`
	}
	if err := h.decode(content, stageSchema, &raw); err != nil {
		return models.StepResult{}, fmt.Errorf("%s stage: %w", intent, err)
	}

	step := models.StepResult{
		Intent:    intent,
		Message:   raw.Message,
		Reasoning: raw.Reasoning,
	}
	if step.Reasoning == nil {
		step.Reasoning = []string{}
	}

	// Only the action stage may carry a command.
	if intent == models.IntentAction {
		step.Action = decodeCommand(raw.Action)
	}
	return step, nil
}

func (h *IntentHandler) runPipeline(ctx context.Context, params models.QueryParams, classification *models.IntentResult, onStep StepFunc) (*models.CompletionResponse, error) {
	prompt, err := prompts.Generate(prompts.StagePipeline, params)
	if err != nil {
		return nil, err
	}

	content, err := h.backend.Complete(ctx, h.messages(params, prompt))
	if err != nil {
		return nil, err
	}

	var plan struct {
		Message   string   `json:"message"`
		Reasoning []string `json:"reasoning"`
		Pipeline  []struct {
			Intent  string `json:"intent"`
			Message string `json:"message"`
		} `json:"pipeline"`
	}
	if err := h.decode(content, pipelineSchema, &plan); err != nil {
		return nil, fmt.Errorf("pipeline stage: %w", err)
	}

	resp := &models.CompletionResponse{
		Intent:    models.IntentPipeline,
		Message:   plan.Message,
		Reasoning: plan.Reasoning,
		Pipeline:  make([]models.StepResult, 0, len(plan.Pipeline)),
	}
	if resp.Message == "" {
		resp.Message = classification.Message
	}
	if resp.Reasoning == nil {
		resp.Reasoning = classification.Reasoning
	}

	stepParams := params
	for i, descriptor := range plan.Pipeline {
		intent := h.stepIntent(i, descriptor.Intent, stepParams)
		stepParams.Query = descriptor.Message

		step, err := h.resolve(ctx, intent, stepParams, stageIntents)
		if err != nil {
			return nil, fmt.Errorf("pipeline step %d: %w", i+1, err)
		}

		if onStep != nil {
			state, err := onStep(ctx, i, &step)
			if err != nil {
				return nil, fmt.Errorf("pipeline step %d: %w", i+1, err)
			}
			if state != nil {
				stepParams.State = state
			}
		}
		resp.Pipeline = append(resp.Pipeline, step)
	}

	return resp, nil
}

// stepIntent keeps a plan alive when a step cannot be resolved as declared.
func (h *IntentHandler) stepIntent(index int, intent string, params models.QueryParams) string {
	log := h.logger.WithFields(logrus.Fields{"step": index + 1, "intent": intent})
	switch {
	case !stageIntents[intent]:
		log.Warn("Invalid step intent, downgrading to conversation")
		return models.IntentConversation
	case intent == models.IntentAction && !params.HasCatalog():
		log.Warn("Action step without catalog, downgrading to conversation")
		return models.IntentConversation
	case intent == models.IntentState && !params.HasState():
		log.Warn("State step without state, downgrading to conversation")
		return models.IntentConversation
	}
	return intent
}

func (h *IntentHandler) messages(params models.QueryParams, prompt string) []models.Message {
	messages := make([]models.Message, 0, len(params.History)+2)
	messages = append(messages, prompts.SystemMessage())
	messages = append(messages, params.History...)
	messages = append(messages, models.Message{Role: models.RoleUser, Content: prompt})
	return messages
}

// decode extracts the JSON object from content, checks it against
// responseSchema and decodes the normalized value into out.
func (h *IntentHandler) decode(content, responseSchema string, out any) error {
	parsed, err := prompts.DecodeResponse(content)
	if err != nil {
		h.logger.WithField("content", truncate(content, 300)).Warn("Failed to parse backend response")
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	res := h.validator.Validate(parsed, responseSchema)
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrMalformedResponse, res.Error())
	}

	data, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// decodeCommand never fails: a command that does not fit models.Command
// comes back with an empty type so catalog validation rejects it.
func decodeCommand(raw json.RawMessage) *models.Command {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var cmd models.Command
	if err := dec.Decode(&cmd); err != nil {
		return &models.Command{}
	}
	return &cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
