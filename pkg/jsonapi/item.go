package jsonapi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LayoutField is the member under which an entity exposes its layout sections.
const LayoutField = "layout_builder__layout"

// TypeSeparator joins entity type and bundle in a resource type name.
const TypeSeparator = "--"

type layoutPlacement int

const (
	layoutAbsent layoutPlacement = iota
	layoutTopLevel
	layoutInAttributes
)

// ResourceItem is one resource object of a document.
//
// Only the members the enrichment needs are modelled. Everything else
// (attributes, relationships, links, meta, flattened fields) is kept raw in
// Members and written back unchanged.
type ResourceItem struct {
	Type           string
	ID             string
	LayoutSections []Section
	Members        map[string]json.RawMessage

	placement  layoutPlacement
	attributes map[string]json.RawMessage

	// raw and decodeErr are set for a collection member that did not decode.
	raw       json.RawMessage
	decodeErr error
}

// SplitType splits "entityType--bundle" into its parts.
func SplitType(resourceType string) (entityType, bundle string, ok bool) {
	entityType, bundle, ok = strings.Cut(resourceType, TypeSeparator)
	if !ok || entityType == "" || bundle == "" {
		return "", "", false
	}
	return entityType, bundle, true
}

// DecodeErr returns why the item could not be decoded, or nil. Such an item
// is written back exactly as it was read.
func (it *ResourceItem) DecodeErr() error {
	return it.decodeErr
}

// HasLayout reports whether the item carries at least one layout section.
func (it *ResourceItem) HasLayout() bool {
	return len(it.LayoutSections) > 0
}

// Attribute returns a raw field value, looked up in attributes first and
// then on the resource itself, where flattened responses put it.
func (it *ResourceItem) Attribute(name string) (json.RawMessage, bool) {
	attrs := it.attributes
	if attrs == nil {
		if raw, ok := it.Members["attributes"]; ok && firstByte(raw) == '{' {
			_ = json.Unmarshal(raw, &attrs)
		}
	}
	if v, ok := attrs[name]; ok {
		return v, true
	}
	if name == "type" || name == "id" {
		return nil, false
	}
	v, ok := it.Members[name]
	return v, ok
}

// Clone returns a deep copy. Raw member values are shared; they are never
// mutated in place.
func (it *ResourceItem) Clone() *ResourceItem {
	if it == nil {
		return nil
	}
	out := &ResourceItem{
		Type:       it.Type,
		ID:         it.ID,
		Members:    cloneMembers(it.Members),
		placement:  it.placement,
		attributes: cloneMembers(it.attributes),
		raw:        it.raw,
		decodeErr:  it.decodeErr,
	}
	if it.LayoutSections != nil {
		out.LayoutSections = make([]Section, len(it.LayoutSections))
		for i, s := range it.LayoutSections {
			out.LayoutSections[i] = s.Clone()
		}
	}
	return out
}

func (it *ResourceItem) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("jsonapi: resource must be an object")
	}
	out := ResourceItem{Members: raw}
	out.Type, _ = takeString(raw, "type")
	out.ID, _ = takeString(raw, "id")

	if layout, ok := raw[LayoutField]; ok {
		delete(raw, LayoutField)
		out.placement = layoutTopLevel
		if err := json.Unmarshal(layout, &out.LayoutSections); err != nil {
			return fmt.Errorf("jsonapi: %s: %w", LayoutField, err)
		}
	} else if attrsRaw, ok := raw["attributes"]; ok && firstByte(attrsRaw) == '{' {
		var attrs map[string]json.RawMessage
		if err := json.Unmarshal(attrsRaw, &attrs); err != nil {
			return fmt.Errorf("jsonapi: attributes: %w", err)
		}
		if layout, ok := attrs[LayoutField]; ok {
			delete(attrs, LayoutField)
			delete(raw, "attributes")
			out.placement = layoutInAttributes
			out.attributes = attrs
			if err := json.Unmarshal(layout, &out.LayoutSections); err != nil {
				return fmt.Errorf("jsonapi: attributes.%s: %w", LayoutField, err)
			}
		}
	}
	*it = out
	return nil
}

func (it ResourceItem) MarshalJSON() ([]byte, error) {
	if it.raw != nil {
		return it.raw, nil
	}
	extra := map[string]any{}
	if it.Type != "" {
		extra["type"] = it.Type
	}
	if it.ID != "" {
		extra["id"] = it.ID
	}
	switch it.placement {
	case layoutInAttributes:
		attrs := cloneMembers(it.attributes)
		if attrs == nil {
			attrs = map[string]json.RawMessage{}
		}
		b, err := json.Marshal(it.LayoutSections)
		if err != nil {
			return nil, err
		}
		attrs[LayoutField] = b
		extra["attributes"] = attrs
	case layoutTopLevel:
		extra[LayoutField] = it.LayoutSections
	default:
		if len(it.LayoutSections) > 0 {
			extra[LayoutField] = it.LayoutSections
		}
	}
	return marshalMembers(it.Members, extra)
}
