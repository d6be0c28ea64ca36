package prompts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrNoJSON = errors.New("no valid JSON found in response")

var (
	thinkTags     = regexp.MustCompile(`(?is)<think>.*?</think>`)
	reasoningTags = regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`)
)

// ExtractJSON returns the outermost JSON object embedded in a backend reply,
// ignoring think tags, code fences and surrounding prose.
func ExtractJSON(content string) (string, error) {
	cleaned := thinkTags.ReplaceAllString(content, "")
	cleaned = reasoningTags.ReplaceAllString(cleaned, "")

	start := strings.Index(cleaned, "{")
	if start == -1 {
		return "", ErrNoJSON
	}

	end := strings.LastIndex(cleaned, "}")
	if end == -1 || end <= start {
		return "", ErrNoJSON
	}

	candidate := cleaned[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("%w: malformed object", ErrNoJSON)
	}
	return candidate, nil
}

// DecodeResponse extracts the JSON object from content and decodes it into
// a generic value, keeping numbers as json.Number.
func DecodeResponse(content string) (map[string]any, error) {
	jsonContent, err := ExtractJSON(content)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(jsonContent)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return out, nil
}
