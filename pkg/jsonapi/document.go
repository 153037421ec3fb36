package jsonapi

import (
	"encoding/json"
	"fmt"
)

// Document is a decoded JSON:API response body.
type Document struct {
	Data Data

	// Errors is non-nil when the body carried an "errors" member.
	Errors []json.RawMessage

	// Members holds every other top-level member (included, links, meta, jsonapi).
	Members map[string]json.RawMessage

	hasData bool
}

// Decode parses a response body into a Document.
func Decode(b []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode serializes the document back to JSON.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// HasErrors reports whether the document carries an "errors" member.
func (d *Document) HasErrors() bool {
	return d.Errors != nil
}

// Empty reports whether the document has no primary data to work on.
func (d *Document) Empty() bool {
	return !d.hasData || d.Data.Empty()
}

// SetData replaces the primary data.
func (d *Document) SetData(data Data) {
	d.Data = data
	d.hasData = true
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("jsonapi: document must be an object")
	}
	out := Document{Members: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		switch k {
		case "data":
			if err := json.Unmarshal(v, &out.Data); err != nil {
				return fmt.Errorf("jsonapi: data: %w", err)
			}
			out.hasData = true
		case "errors":
			if isNull(v) {
				continue
			}
			if err := json.Unmarshal(v, &out.Errors); err != nil {
				return fmt.Errorf("jsonapi: errors: %w", err)
			}
			if out.Errors == nil {
				out.Errors = []json.RawMessage{}
			}
		default:
			out.Members[k] = v
		}
	}
	*d = out
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	extra := map[string]any{}
	if d.hasData {
		extra["data"] = d.Data
	}
	if d.Errors != nil {
		extra["errors"] = d.Errors
	}
	return marshalMembers(d.Members, extra)
}

// Data is the primary data of a document: a single resource or an ordered
// collection. The distinction is structural, never a flag in the payload.
type Data struct {
	Items      []*ResourceItem
	Collection bool
}

// Single wraps one item as single-resource data.
func Single(item *ResourceItem) Data {
	return Data{Items: []*ResourceItem{item}}
}

// Empty reports whether there are no items.
func (d Data) Empty() bool {
	return len(d.Items) == 0
}

// Item returns the item of single-resource data.
func (d Data) Item() (*ResourceItem, bool) {
	if d.Collection || len(d.Items) != 1 {
		return nil, false
	}
	return d.Items[0], true
}

func (d *Data) UnmarshalJSON(b []byte) error {
	switch firstByte(b) {
	case 'n':
		if !isNull(b) {
			return fmt.Errorf("jsonapi: invalid data")
		}
		*d = Data{}
		return nil
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(b, &raws); err != nil {
			return err
		}
		items := make([]*ResourceItem, 0, len(raws))
		for _, raw := range raws {
			items = append(items, decodeMember(raw))
		}
		*d = Data{Items: items, Collection: true}
		return nil
	case '{':
		members, err := orderedMembers(b)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			*d = Data{}
			return nil
		}
		if isSequential(members) {
			items := make([]*ResourceItem, 0, len(members))
			for _, m := range members {
				items = append(items, decodeMember(m.Value))
			}
			*d = Data{Items: items, Collection: true}
			return nil
		}
		var it ResourceItem
		if err := json.Unmarshal(b, &it); err != nil {
			return err
		}
		*d = Single(&it)
		return nil
	default:
		return fmt.Errorf("jsonapi: data must be an object, an array or null")
	}
}

// decodeMember decodes one collection member. A member that does not decode
// is kept verbatim, with its error, so the rest of the collection can still
// be worked on.
func decodeMember(raw json.RawMessage) *ResourceItem {
	if isNull(raw) {
		return nil
	}
	var it ResourceItem
	if err := json.Unmarshal(raw, &it); err != nil {
		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		_ = json.Unmarshal(raw, &head)
		return &ResourceItem{Type: head.Type, ID: head.ID, raw: raw, decodeErr: err}
	}
	return &it
}

func (d Data) MarshalJSON() ([]byte, error) {
	if d.Collection {
		items := d.Items
		if items == nil {
			items = []*ResourceItem{}
		}
		return json.Marshal(items)
	}
	if len(d.Items) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(d.Items[0])
}
