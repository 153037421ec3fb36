package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// member is one key/value pair of a JSON object, kept in document order.
type member struct {
	Key   string
	Value json.RawMessage
}

// orderedMembers decodes a JSON object without losing member order.
func orderedMembers(b []byte) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("jsonapi: expected object, got %v", tok)
	}
	var out []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("jsonapi: expected object key, got %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("jsonapi: member %q: %w", key, err)
		}
		out = append(out, member{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// isSequential reports whether keys are exactly "0".."n-1" in order, which is
// how a list serialized as an object (a PHP-style packed array) looks.
func isSequential(members []member) bool {
	if len(members) == 0 {
		return false
	}
	for i, m := range members {
		if m.Key != strconv.Itoa(i) {
			return false
		}
	}
	return true
}

// firstByte returns the first non-space byte of raw, or 0.
func firstByte(raw []byte) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// takeString removes key from m and returns its string value. Non-string
// values are left in m so they still round-trip.
func takeString(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	delete(m, key)
	return s, true
}

// decodeInt accepts JSON numbers and numeric strings.
func decodeInt(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return int(f), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("jsonapi: invalid integer %q", t)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("jsonapi: invalid integer %s", string(raw))
	}
}

func cloneMembers(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func marshalMembers(members map[string]json.RawMessage, extra map[string]any) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(members)+len(extra))
	for k, v := range members {
		out[k] = v
	}
	for k, v := range extra {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jsonapi: marshal %q: %w", k, err)
		}
		out[k] = b
	}
	return json.Marshal(out)
}
