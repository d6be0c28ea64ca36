package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/avvvet/intentpilot/internal/models"
)

// Stages
const (
	StageIntent       = "intent"
	StageAction       = "action"
	StageState        = "state"
	StageConversation = "conversation"
	StagePipeline     = "pipeline"
	StageWorkflow     = "workflow"
)

var (
	ErrMissingCatalog = errors.New("action prompt requires an action catalog")
	ErrMissingState   = errors.New("state prompt requires a state snapshot")
	ErrUnknownStage   = errors.New("unknown prompt stage")
)

const SystemPrompt = `You are the command interpreter of an application. You turn user requests into JSON: either a command from the application's catalog, an answer drawn from the application's state, a conversational reply, or an ordered plan of such steps. You never invent commands, fields or data. You always answer with a single JSON object and nothing else.`

// SystemMessage is the first message of every sequence sent to the backend.
func SystemMessage() models.Message {
	return models.Message{Role: models.RoleSystem, Content: SystemPrompt}
}

const jsonOnly = `Respond with nothing but a single valid JSON object containing the required fields. No markdown, no code fences, no commentary.`

const intentTemplate = `Classify the user's request into exactly one intent.

User request:
%s

Available actions:
%s

Current application state:
%s

CLASSIFICATION RULES (apply in this order):
1. "action": ALL of the following hold: actions are available above, the user explicitly asks to perform an operation, the operation exactly matches one catalog entry, and every required parameter can be extracted from the request.
2. "state": ALL of the following hold: state is available above, the user explicitly asks for information, and that information is present in the state.
3. "pipeline": the request asks for two or more distinct steps (for example "do X and then show Y"), each of which would on its own be an action, state or conversation request.
4. "conversation": everything else, including requests whose supporting context (actions or state) is missing.

RESPONSE FORMAT:
{
  "intent": "action" | "state" | "conversation" | "pipeline",
  "message": "short explanation of the classification",
  "reasoning": ["first short justification", "second short justification"]
}

`

const actionTemplate = `Produce the single command that fulfils the user's request.

User request:
%s

Available actions:
%s

Valid "type" values (use one of these exactly):
%s

Current application state:
%s

VALIDATION RULES:
1. "type" MUST be one of the valid type values listed above.
2. "payload" MUST follow the params schema of the chosen action.
3. Every required parameter MUST be present in "payload".
4. Do NOT add parameters the schema does not declare.
5. Do NOT infer default values the user did not state; take identifiers from the state when the user refers to existing items.

RESPONSE FORMAT:
{
  "intent": "action",
  "message": "what the command will do, addressed to the user",
  "reasoning": ["why this command", "where each parameter came from"],
  "action": {
    "type": "one of the valid type values",
    "payload": { }
  }
}

`

const stateTemplate = `Answer the user's question using only the application state below.

User request:
%s

Current application state:
%s

RULES:
1. Use only the literal data present in the state.
2. Never infer, estimate or fabricate fields or values that are not there.
3. If the requested information is absent, say so plainly.
4. "action" is always null.

RESPONSE FORMAT:
{
  "intent": "state",
  "message": "the answer for the user",
  "reasoning": ["which part of the state was used"],
  "action": null
}

`

const conversationTemplate = `Reply conversationally to the user.

User request:
%s

Previous conversation:
%s

RULES:
1. Build on the previous conversation when it is relevant.
2. Do not assume knowledge about the application, its data or its commands that is not given here.
3. "action" is always null.

RESPONSE FORMAT:
{
  "intent": "conversation",
  "message": "your reply",
  "reasoning": ["why this reply"],
  "action": null
}

`

const pipelineTemplate = `Break the user's request into an ordered list of atomic steps.

User request:
%s

Available actions:
%s

Current application state:
%s

RULES:
1. Each step performs exactly one thing and carries its own intent: "action", "state" or "conversation".
2. Keep the order in which the user asked for things; later steps may rely on earlier ones.
3. Write each step's "message" as a self-contained request that can be resolved without the other steps.
4. Resolve references to existing entities (by name, by position such as "the first applicant", or by description) into the concrete identifiers found in the state wherever possible. Prefer literal IDs over descriptive phrases.
5. Use "action" only for operations listed in the available actions, and "state" only for information present in the state.

RESPONSE FORMAT:
{
  "intent": "pipeline",
  "message": "summary of the plan",
  "reasoning": ["why the request was split this way"],
  "pipeline": [
    {"intent": "action" | "state" | "conversation", "message": "self-contained step request", "reasoning": ["why"]}
  ]
}

`

// Generate renders the instruction text for a stage. It is a pure function
// of its inputs: identical params always produce identical text.
func Generate(stage string, params models.QueryParams) (string, error) {
	var body string
	switch stage {
	case StageIntent:
		body = fmt.Sprintf(intentTemplate,
			params.Query,
			buildActionsSection(params.Actions),
			buildStateSection(params.State))
	case StageAction:
		if !params.HasCatalog() {
			return "", ErrMissingCatalog
		}
		body = fmt.Sprintf(actionTemplate,
			params.Query,
			buildActionsSection(params.Actions),
			buildTypeList(params.Actions),
			buildStateSection(params.State))
	case StageState:
		if !params.HasState() {
			return "", ErrMissingState
		}
		body = fmt.Sprintf(stateTemplate,
			params.Query,
			buildStateSection(params.State))
	case StageConversation:
		body = fmt.Sprintf(conversationTemplate,
			params.Query,
			buildConversationSection(params.Conversations))
	case StagePipeline, StageWorkflow:
		body = fmt.Sprintf(pipelineTemplate,
			params.Query,
			buildActionsSection(params.Actions),
			buildStateSection(params.State))
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	return body + jsonOnly, nil
}

func buildActionsSection(actions models.Catalog) string {
	if len(actions) == 0 {
		return "None available."
	}
	named := make(models.Catalog, len(actions))
	for _, t := range actions.Types() {
		named[t], _ = actions.Lookup(t)
	}
	return formatJSON(named)
}

func buildTypeList(actions models.Catalog) string {
	var builder strings.Builder
	for _, t := range actions.Types() {
		builder.WriteString(fmt.Sprintf("- %q\n", t))
	}
	return strings.TrimRight(builder.String(), "\n")
}

func buildStateSection(state any) string {
	if state == nil {
		return "None available."
	}
	return formatJSON(state)
}

func buildConversationSection(conversations string) string {
	if strings.TrimSpace(conversations) == "" {
		return "No previous conversation available."
	}
	return strings.TrimSpace(conversations)
}

func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
