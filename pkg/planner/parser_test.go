package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jllopis/carmcp/pkg/errors"
)

func TestBuiltinCatalog(t *testing.T) {
	c := Builtin()
	want := []string{"check_engine", "route_risk", "pre_trip", "safe_drive"}
	ids := c.IDs()
	if len(ids) != len(want) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("id %d: expected %s, got %s", i, want[i], ids[i])
		}
	}
	if _, err := c.Get("nonexistent"); !errors.HasCode(err, errors.CodeUnknownScenario) {
		t.Fatalf("expected UNKNOWN_SCENARIO, got %v", err)
	}
}

func TestParseJSON(t *testing.T) {
	payload := []byte(`{
  "scenarios": [{
    "id": "tow",
    "steps": [
      {"id": "where", "tool": "navigation", "args": {"destination": "Garage"}},
      {"id": "help", "tool": "emergency", "bind": {"risk_level": {"step": "where", "field": "route_risk_zone"}}}
    ]
  }]
}`)
	c, err := ParseJSON(payload)
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	s, err := c.Get("tow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Steps[1].Bind["risk_level"].String() != "where.route_risk_zone" {
		t.Fatalf("unexpected binding: %+v", s.Steps[1].Bind)
	}
}

func TestParseYAMLRejectsForwardReference(t *testing.T) {
	payload := []byte(`
scenarios:
  - id: backwards
    steps:
      - id: first
        tool: knowledge
        bind:
          topic: {step: second, field: condition}
      - id: second
        tool: weather
`)
	if _, err := ParseYAML(payload); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for forward reference, got %v", err)
	}
}

func TestScenarioValidate(t *testing.T) {
	cases := map[string]Scenario{
		"missing id":     {Steps: []Step{{Tool: "weather"}}},
		"no steps":       {ID: "empty"},
		"missing tool":   {ID: "x", Steps: []Step{{ID: "a"}}},
		"duplicate step": {ID: "x", Steps: []Step{{ID: "a", Tool: "weather"}, {ID: "a", Tool: "weather"}}},
		"self reference": {ID: "x", Steps: []Step{{ID: "a", Tool: "weather", Bind: map[string]Ref{"r": {Step: "a", Field: "f"}}}}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			if err := s.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	ok := Scenario{ID: "ok", Steps: []Step{{Tool: "weather"}, {Tool: "emergency"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok.Steps[1].ID != "step2" {
		t.Fatalf("expected generated step id, got %q", ok.Steps[1].ID)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Builtin()
	jsonPayload, err := MarshalJSON(c, true)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	fromJSON, err := ParseJSON(jsonPayload)
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	yamlPayload, err := MarshalYAML(c)
	if err != nil {
		t.Fatalf("marshal yaml: %v", err)
	}
	fromYAML, err := ParseYAML(yamlPayload)
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if len(fromJSON.IDs()) != 4 || len(fromYAML.IDs()) != 4 {
		t.Fatalf("round-trip lost scenarios")
	}
}

func TestLoadCatalogAndMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.conf")
	data := []byte("scenarios:\n  - id: quick_check\n    steps:\n      - tool: vehicle_info\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	extra, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c := Builtin()
	if err := c.Merge(extra); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ids := c.IDs(); len(ids) != 5 || ids[4] != "quick_check" {
		t.Fatalf("unexpected ids after merge: %v", ids)
	}
	if _, err := LoadCatalog(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
