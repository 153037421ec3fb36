// Package layout holds layout definitions and orders the components placed
// in layout sections.
package layout

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Definition describes one layout plugin.
type Definition struct {
	ID            string
	Label         string
	Category      string
	DefaultRegion string

	// Regions lists region machine names in render order.
	Regions []string
}

// Registry resolves layout ids to definitions.
type Registry interface {
	Definition(layoutID string) (Definition, bool)
}

// Catalog is an in-memory Registry. It is safe for concurrent reads after
// construction; Add may be called concurrently with reads.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog returns a catalog holding defs.
func NewCatalog(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	c.Add(defs...)
	return c
}

// Add registers definitions, replacing existing ones with the same id.
func (c *Catalog) Add(defs ...Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range defs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		c.defs[id] = d
	}
}

// Definition implements Registry.
func (c *Catalog) Definition(layoutID string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[layoutID]
	return d, ok
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

//go:embed core.layouts.yml
var coreLayoutsYAML []byte

// CoreCatalog returns a catalog pre-populated with the core layouts.
func CoreCatalog() *Catalog {
	defs, err := ParseDefinitions(coreLayoutsYAML)
	if err != nil {
		panic(fmt.Sprintf("layout: embedded core catalog: %v", err))
	}
	return NewCatalog(defs...)
}

type definitionYAML struct {
	Label         string    `yaml:"label"`
	Category      string    `yaml:"category"`
	DefaultRegion string    `yaml:"default_region"`
	Regions       yaml.Node `yaml:"regions"`
}

// ParseDefinitions parses a "<module>.layouts.yml" document. Region order
// follows the order of the regions mapping.
func ParseDefinitions(b []byte) ([]Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("parse layouts YAML: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse layouts YAML: top level must be a mapping")
	}

	out := make([]Definition, 0, len(top.Content)/2)
	for i := 0; i+1 < len(top.Content); i += 2 {
		id := strings.TrimSpace(top.Content[i].Value)
		var raw definitionYAML
		if err := top.Content[i+1].Decode(&raw); err != nil {
			return nil, fmt.Errorf("layout %q: %w", id, err)
		}
		regions, err := regionOrder(&raw.Regions)
		if err != nil {
			return nil, fmt.Errorf("layout %q: %w", id, err)
		}
		out = append(out, Definition{
			ID:            id,
			Label:         raw.Label,
			Category:      raw.Category,
			DefaultRegion: raw.DefaultRegion,
			Regions:       regions,
		})
	}
	return out, nil
}

func regionOrder(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		out := make([]string, 0, len(n.Content)/2)
		for i := 0; i < len(n.Content); i += 2 {
			out = append(out, n.Content[i].Value)
		}
		return out, nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("regions must be a mapping or a list")
	}
}
