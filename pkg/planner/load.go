package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadCatalog loads a scenario catalog from a YAML or JSON file.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return parseAuto(data)
	}
}

func parseAuto(data []byte) (*Catalog, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		if c, err := ParseJSON(data); err == nil {
			return c, nil
		}
	}
	c, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("unsupported catalog format: %w", err)
	}
	return c, nil
}
