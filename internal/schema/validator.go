// Package schema validates arbitrary values against JSON Schema documents
// (draft 2020-12) and reports field-level errors.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldError names an offending path and what is wrong with it.
// Path is dotted ("payload.title") and empty for the root value.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result of a validation. Value holds the normalized input (unknown object
// fields stripped) when Valid, nil otherwise.
type Result struct {
	Valid  bool         `json:"valid"`
	Value  any          `json:"value"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Error joins the field errors into one line.
func (r Result) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, fe := range r.Errors {
		if fe.Path == "" {
			parts = append(parts, fe.Message)
			continue
		}
		parts = append(parts, fe.Path+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

// Validator compiles and caches schemas by content hash.
type Validator struct {
	mu    sync.RWMutex
	cache map[uint64]*jsonschema.Schema
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[uint64]*jsonschema.Schema)}
}

var defaultValidator = NewValidator()

// Validate checks data against schema using the package-level validator.
func Validate(data, schema any) Result {
	return defaultValidator.Validate(data, schema)
}

// Validate checks data against schema. schema may be a JSON document
// ([]byte, json.RawMessage, string), a decoded value (map[string]any) or
// an already compiled *jsonschema.Schema. A schema that fails to compile
// is reported as a validation failure.
func (v *Validator) Validate(data, schema any) Result {
	compiled, err := v.Compile(schema)
	if err != nil {
		return failure(FieldError{Path: "", Message: fmt.Sprintf("invalid schema: %v", err)})
	}

	instance, err := toJSONValue(data)
	if err != nil {
		return failure(FieldError{Path: "", Message: fmt.Sprintf("value is not valid JSON: %v", err)})
	}

	if err := compiled.Validate(instance); err != nil {
		return failure(flatten(err)...)
	}

	return Result{Valid: true, Value: strip(instance, compiled)}
}

// Compile returns the compiled form of schema, using the cache when possible.
func (v *Validator) Compile(schema any) (*jsonschema.Schema, error) {
	if compiled, ok := schema.(*jsonschema.Schema); ok {
		if compiled == nil {
			return nil, fmt.Errorf("nil schema")
		}
		return compiled, nil
	}

	raw, err := schemaBytes(schema)
	if err != nil {
		return nil, err
	}

	key := xxhash.Sum64(raw)
	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://intentpilot.local/schemas/%016x.json", key)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err = c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

func schemaBytes(schema any) ([]byte, error) {
	var raw []byte
	switch s := schema.(type) {
	case nil:
		return nil, fmt.Errorf("nil schema")
	case json.RawMessage:
		raw = s
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		encoded, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("schema is not JSON-encodable: %w", err)
		}
		raw = encoded
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	return raw, nil
}

// toJSONValue converts any Go value into the generic form the schema
// library understands, keeping number precision.
func toJSONValue(data any) (any, error) {
	var raw []byte
	switch d := data.(type) {
	case json.RawMessage:
		raw = d
	default:
		encoded, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func failure(errs ...FieldError) Result {
	return Result{Valid: false, Value: nil, Errors: errs}
}

var (
	typeMismatch    = regexp.MustCompile(`^expected (.+), but got (.+)$`)
	missingProperty = regexp.MustCompile(`'([^']*)'`)
)

func flatten(err error) []FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldError{{Path: "", Message: err.Error()}}
	}

	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		out = append(out, leafErrors(e)...)
	}
	walk(ve)

	if len(out) == 0 {
		out = append(out, FieldError{Path: pointerToPath(ve.InstanceLocation), Message: ve.Message})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Message < out[j].Message
	})
	return out
}

func leafErrors(e *jsonschema.ValidationError) []FieldError {
	path := pointerToPath(e.InstanceLocation)

	if strings.HasPrefix(e.Message, "missing properties:") {
		var errs []FieldError
		for _, m := range missingProperty.FindAllStringSubmatch(e.Message, -1) {
			errs = append(errs, FieldError{Path: joinPath(path, m[1]), Message: "is required"})
		}
		if len(errs) > 0 {
			return errs
		}
	}

	if m := typeMismatch.FindStringSubmatch(e.Message); m != nil {
		return []FieldError{{Path: path, Message: "must be " + m[1]}}
	}

	return []FieldError{{Path: path, Message: e.Message}}
}

func pointerToPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	segments := strings.Split(pointer, "/")
	for i, s := range segments {
		s = strings.ReplaceAll(s, "~1", "/")
		segments[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return strings.Join(segments, ".")
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// strip removes object fields the schema does not declare. Objects are left
// untouched when the schema explicitly allows additional properties or
// composes subschemas, since the declared set is then not known locally.
func strip(value any, s *jsonschema.Schema) any {
	if s == nil {
		return value
	}
	if s.Ref != nil {
		value = strip(value, s.Ref)
	}

	switch v := value.(type) {
	case map[string]any:
		if len(s.Properties) == 0 {
			return v
		}
		closed := allowsNoExtras(s)
		out := make(map[string]any, len(v))
		for name, child := range v {
			prop, declared := s.Properties[name]
			if !declared {
				if closed {
					continue
				}
				out[name] = child
				continue
			}
			out[name] = strip(child, prop)
		}
		return out
	case []any:
		items := s.Items2020
		if items == nil {
			if single, ok := s.Items.(*jsonschema.Schema); ok {
				items = single
			}
		}
		if items == nil {
			return v
		}
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = strip(child, items)
		}
		return out
	}
	return value
}

func allowsNoExtras(s *jsonschema.Schema) bool {
	if len(s.AllOf) > 0 || len(s.AnyOf) > 0 || len(s.OneOf) > 0 || len(s.PatternProperties) > 0 {
		return false
	}
	switch ap := s.AdditionalProperties.(type) {
	case nil:
		return true
	case bool:
		return !ap
	default:
		return false
	}
}
