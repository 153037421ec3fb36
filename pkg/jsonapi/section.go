package jsonapi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider identifies which subsystem supplies a placed block.
type Provider int

const (
	// ProviderOther covers every provider that does not reference a content block.
	ProviderOther Provider = iota
	// ProviderBlockContent references a reusable block by "block_content:<uuid>".
	ProviderBlockContent
	// ProviderLayoutBuilder references an inline block by its uuid.
	ProviderLayoutBuilder
)

// ParseProvider maps a configuration provider name to a Provider. Names
// must match exactly.
func ParseProvider(name string) Provider {
	switch name {
	case "block_content":
		return ProviderBlockContent
	case "layout_builder":
		return ProviderLayoutBuilder
	default:
		return ProviderOther
	}
}

func (p Provider) String() string {
	switch p {
	case ProviderBlockContent:
		return "block_content"
	case ProviderLayoutBuilder:
		return "layout_builder"
	default:
		return "other"
	}
}

// Section is one layout instance on an entity.
type Section struct {
	LayoutID   string
	Components []Component

	// Members holds layout_settings, third_party_settings and anything else.
	Members map[string]json.RawMessage
}

// Clone returns a deep copy of the section and its components.
func (s Section) Clone() Section {
	out := Section{LayoutID: s.LayoutID, Members: cloneMembers(s.Members)}
	if s.Components != nil {
		out.Components = make([]Component, len(s.Components))
		for i, c := range s.Components {
			out.Components[i] = c.Clone()
		}
	}
	return out
}

func (s *Section) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("jsonapi: section must be an object")
	}
	out := Section{Members: raw}
	out.LayoutID, _ = takeString(raw, "layout_id")
	if comps, ok := raw["components"]; ok {
		delete(raw, "components")
		parsed, err := decodeComponents(comps)
		if err != nil {
			return fmt.Errorf("jsonapi: section %q components: %w", out.LayoutID, err)
		}
		out.Components = parsed
	}
	*s = out
	return nil
}

func (s Section) MarshalJSON() ([]byte, error) {
	comps := s.Components
	if comps == nil {
		comps = []Component{}
	}
	return marshalMembers(s.Members, map[string]any{
		"layout_id":  s.LayoutID,
		"components": comps,
	})
}

// decodeComponents accepts a list or an object keyed by component uuid.
func decodeComponents(raw json.RawMessage) ([]Component, error) {
	switch firstByte(raw) {
	case 'n':
		return nil, nil
	case '[':
		var out []Component
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case '{':
		members, err := orderedMembers(raw)
		if err != nil {
			return nil, err
		}
		keyed := !isSequential(members)
		out := make([]Component, 0, len(members))
		for _, m := range members {
			var c Component
			if err := json.Unmarshal(m.Value, &c); err != nil {
				return nil, fmt.Errorf("component %q: %w", m.Key, err)
			}
			if c.UUID == "" && keyed {
				c.UUID = m.Key
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("components must be a list or an object")
	}
}

// Component is one placed block inside a section region.
type Component struct {
	UUID          string
	Region        string
	Weight        int
	Configuration Configuration

	// Block is the resolved nested representation of the referenced block.
	Block *ResourceItem

	Members map[string]json.RawMessage
}

// Clone returns a deep copy of the component, including its block.
func (c Component) Clone() Component {
	return Component{
		UUID:          c.UUID,
		Region:        c.Region,
		Weight:        c.Weight,
		Configuration: c.Configuration.Clone(),
		Block:         c.Block.Clone(),
		Members:       cloneMembers(c.Members),
	}
}

func (c *Component) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("jsonapi: component must be an object")
	}
	out := Component{Members: raw}
	out.UUID, _ = takeString(raw, "uuid")
	out.Region, _ = takeString(raw, "region")
	if w, ok := raw["weight"]; ok {
		n, err := decodeInt(w)
		if err != nil {
			return fmt.Errorf("weight: %w", err)
		}
		delete(raw, "weight")
		out.Weight = n
	}
	if cfg, ok := raw["configuration"]; ok && firstByte(cfg) == '{' {
		delete(raw, "configuration")
		if err := json.Unmarshal(cfg, &out.Configuration); err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
	}
	if blk, ok := raw["block"]; ok {
		delete(raw, "block")
		if firstByte(blk) == '{' {
			var item ResourceItem
			if err := json.Unmarshal(blk, &item); err != nil {
				return fmt.Errorf("block: %w", err)
			}
			out.Block = &item
		}
	}
	*c = out
	return nil
}

func (c Component) MarshalJSON() ([]byte, error) {
	extra := map[string]any{
		"region": c.Region,
		"weight": c.Weight,
	}
	if _, raw := c.Members["configuration"]; !raw {
		extra["configuration"] = c.Configuration
	}
	if c.UUID != "" {
		extra["uuid"] = c.UUID
	}
	if c.Block != nil {
		extra["block"] = c.Block
	}
	return marshalMembers(c.Members, extra)
}

// Configuration is a component's block plugin configuration.
type Configuration struct {
	ProviderName string
	ID           string
	UUID         string

	Members map[string]json.RawMessage
}

// Provider returns the tagged provider of the configuration.
func (c Configuration) Provider() Provider {
	return ParseProvider(c.ProviderName)
}

// BlockReference returns the identifier of the content block the
// configuration points at, if any.
func (c Configuration) BlockReference() (string, bool) {
	switch c.Provider() {
	case ProviderBlockContent:
		parts := strings.Split(c.ID, ":")
		if len(parts) < 2 {
			return "", false
		}
		ref := strings.TrimSpace(parts[1])
		return ref, ref != ""
	case ProviderLayoutBuilder:
		ref := strings.TrimSpace(c.UUID)
		return ref, ref != ""
	default:
		return "", false
	}
}

// Clone returns a copy with its own member map.
func (c Configuration) Clone() Configuration {
	c.Members = cloneMembers(c.Members)
	return c
}

func (c *Configuration) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Configuration{Members: raw}
	if raw != nil {
		out.ProviderName, _ = takeString(raw, "provider")
		out.ID, _ = takeString(raw, "id")
		out.UUID, _ = takeString(raw, "uuid")
	}
	*c = out
	return nil
}

func (c Configuration) MarshalJSON() ([]byte, error) {
	extra := map[string]any{}
	if c.ProviderName != "" {
		extra["provider"] = c.ProviderName
	}
	if c.ID != "" {
		extra["id"] = c.ID
	}
	if c.UUID != "" {
		extra["uuid"] = c.UUID
	}
	return marshalMembers(c.Members, extra)
}
