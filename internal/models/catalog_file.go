package models

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFileEntry struct {
	Description string         `yaml:"description"`
	Keywords    []string       `yaml:"keywords"`
	Params      map[string]any `yaml:"params"`
}

// LoadCatalogFile reads a YAML catalog of the form
//
//	task/create:
//	  description: Create a task
//	  keywords: [add, new]
//	  params: {type: object, properties: {title: {type: string}}, required: [title]}
func LoadCatalogFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalogYAML(data)
}

// ParseCatalogYAML decodes a YAML catalog document.
func ParseCatalogYAML(data []byte) (Catalog, error) {
	var raw map[string]catalogFileEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	catalog := make(Catalog, len(raw))
	for commandType, entry := range raw {
		if commandType == "" {
			return nil, fmt.Errorf("catalog entry with empty type")
		}
		var params json.RawMessage
		if entry.Params != nil {
			encoded, err := json.Marshal(entry.Params)
			if err != nil {
				return nil, fmt.Errorf("catalog entry %s: invalid params schema: %w", commandType, err)
			}
			params = encoded
		}
		catalog[commandType] = CatalogEntry{
			Type:         commandType,
			Description:  entry.Description,
			Keywords:     entry.Keywords,
			ParamsSchema: params,
		}
	}
	return catalog, nil
}
