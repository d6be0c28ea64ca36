package schema

import (
	"fmt"

	"github.com/avvvet/intentpilot/internal/models"
)

const commandEnvelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"payload": true,
		"meta": {"type": "object"}
	}
}`

// ValidateCommand checks a command against the catalog using the package
// level validator.
func ValidateCommand(command any, catalog models.Catalog) Result {
	return defaultValidator.ValidateCommand(command, catalog)
}

// ValidateCommand succeeds iff command is an object whose type is a catalog
// key and whose payload satisfies that entry's params schema. On success
// Value holds the normalized models.Command.
func (v *Validator) ValidateCommand(command any, catalog models.Catalog) Result {
	envelope := v.Validate(command, commandEnvelopeSchema)
	if !envelope.Valid {
		return envelope
	}

	fields := envelope.Value.(map[string]any)
	commandType := fields["type"].(string)

	entry, ok := catalog.Lookup(commandType)
	if !ok {
		return failure(FieldError{Path: "type", Message: fmt.Sprintf("unknown command type %q", commandType)})
	}

	normalized := models.Command{Type: commandType}
	if meta, ok := fields["meta"].(map[string]any); ok {
		normalized.Meta = meta
	}

	payload, hasPayload := fields["payload"]
	if len(entry.ParamsSchema) == 0 {
		if hasPayload {
			normalized.Payload = payload
		}
		return Result{Valid: true, Value: normalized}
	}

	checked := payload
	if !hasPayload || payload == nil {
		checked = map[string]any{}
	}

	res := v.Validate(checked, []byte(entry.ParamsSchema))
	if !res.Valid {
		for i := range res.Errors {
			res.Errors[i].Path = joinPath("payload", res.Errors[i].Path)
		}
		return res
	}

	if hasPayload && payload != nil {
		normalized.Payload = res.Value
	}
	return Result{Valid: true, Value: normalized}
}
