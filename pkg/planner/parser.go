package planner

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// document is the on-disk catalog form.
type document struct {
	Scenarios []Scenario `json:"scenarios" yaml:"scenarios"`
}

// ParseJSON loads a scenario catalog from JSON and validates it.
func ParseJSON(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json catalog: %w", err)
	}
	return NewCatalog(doc.Scenarios...)
}

// ParseYAML loads a scenario catalog from YAML and validates it.
func ParseYAML(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml catalog: %w", err)
	}
	return NewCatalog(doc.Scenarios...)
}

// MarshalJSON serializes a catalog to JSON. Use pretty for indented output.
func MarshalJSON(c *Catalog, pretty bool) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("catalog is nil")
	}
	doc := document{Scenarios: c.List()}
	if pretty {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

// MarshalYAML serializes a catalog to YAML.
func MarshalYAML(c *Catalog) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("catalog is nil")
	}
	return yaml.Marshal(document{Scenarios: c.List()})
}
