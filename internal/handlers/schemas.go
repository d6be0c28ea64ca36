package handlers

// Response shapes the backend must honour. Unknown fields are stripped by
// the validator; a response that does not conform is never guessed at.

const classificationSchema = `{
	"type": "object",
	"required": ["intent"],
	"properties": {
		"intent": {"enum": ["action", "state", "conversation", "pipeline", "workflow"]},
		"message": {"type": "string"},
		"reasoning": {"type": "array", "items": {"type": "string"}}
	}
}`

const stageSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"intent": {"type": "string"},
		"message": {"type": "string"},
		"reasoning": {"type": "array", "items": {"type": "string"}},
		"action": {"type": ["object", "null"]}
	}
}`

const pipelineSchema = `{
	"type": "object",
	"required": ["pipeline"],
	"properties": {
		"intent": {"type": "string"},
		"message": {"type": "string"},
		"reasoning": {"type": "array", "items": {"type": "string"}},
		"pipeline": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["intent", "message"],
				"properties": {
					"intent": {"type": "string"},
					"message": {"type": "string", "minLength": 1},
					"reasoning": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`
