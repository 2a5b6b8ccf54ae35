package planner

import (
	_ "embed"
	"sort"
	"sync"

	"github.com/jllopis/carmcp/pkg/errors"
)

//go:embed scenarios.yaml
var builtinScenarios []byte

// Catalog holds scenarios by id.
type Catalog struct {
	mu        sync.RWMutex
	scenarios map[string]*Scenario
	order     []string
}

// NewCatalog returns a catalog holding the given scenarios.
func NewCatalog(scenarios ...Scenario) (*Catalog, error) {
	c := &Catalog{scenarios: make(map[string]*Scenario)}
	for _, s := range scenarios {
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Builtin returns the catalog of demo scenarios shipped with the binary.
func Builtin() *Catalog {
	c, err := ParseYAML(builtinScenarios)
	if err != nil {
		panic("planner: invalid builtin catalog: " + err.Error())
	}
	return c
}

// Add validates and adds a scenario. An existing id is replaced.
func (c *Catalog) Add(s Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.scenarios[s.ID]; !ok {
		c.order = append(c.order, s.ID)
	}
	c.scenarios[s.ID] = &s
	return nil
}

// Merge adds every scenario of other to c.
func (c *Catalog) Merge(other *Catalog) error {
	if other == nil {
		return nil
	}
	for _, s := range other.List() {
		if err := c.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the scenario with the given id or an UnknownScenario error.
func (c *Catalog) Get(id string) (Scenario, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scenarios[id]
	if !ok {
		known := make([]string, len(c.order))
		copy(known, c.order)
		sort.Strings(known)
		return Scenario{}, errors.Newf(errors.CodeUnknownScenario, "unknown scenario %q", id).
			WithContext("known", known)
	}
	return *s, nil
}

// IDs returns scenario ids in insertion order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// List returns scenarios in insertion order.
func (c *Catalog) List() []Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Scenario, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.scenarios[id])
	}
	return out
}
