package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785-style canonical JSON for hashing and
// golden-file comparison. This is the only serialization that may feed
// content-addressed identity computation.
//
// Properties:
//   - object keys sorted by UTF-16 code units
//   - no HTML escaping (<, >, & stay literal)
//   - strings NFC normalized at the serialization boundary
//   - floats and nulls are rejected (they have no canonical form here)
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return marshalCanonicalString(val)
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := MarshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		return marshalCanonicalObject(val)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// marshalCanonicalObject writes an object with keys sorted by UTF-16 code
// units, as RFC 8785 requires (not by UTF-8 bytes).
func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("object key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// lessUTF16 compares strings by UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// marshalCanonicalString encodes a string with NFC normalization and
// without HTML escaping.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder appends a trailing newline.
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}

// Fingerprint computes a content-addressed identity for the plan's
// structure: kinds, ordinals, buffer bindings, kernel digests, and
// captures. Two plans with equal fingerprints execute the same steps.
func (p Plan) Fingerprint() (Digest, error) {
	summary := make([]any, len(p.records))
	for i, r := range p.records {
		m, err := recordSummary(r)
		if err != nil {
			return Digest{}, err
		}
		summary[i] = m
	}
	canonical, err := MarshalCanonical([]any{"kiln/plan/v1", summary})
	if err != nil {
		return Digest{}, fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain("kiln/plan/v1", canonical), nil
}

func recordSummary(r Record) (map[string]any, error) {
	m := map[string]any{
		"kind":    r.Kind.String(),
		"ordinal": r.Ordinal,
		"inputs":  bufferList(r.Inputs),
		"outputs": bufferList(r.Outputs),
	}
	if r.Descriptor != nil {
		m["kernel"] = r.Descriptor.Digest().String()
	}
	if len(r.Captured) > 0 {
		captured := make([]any, len(r.Captured))
		for i, c := range r.Captured {
			cm, err := recordSummary(c)
			if err != nil {
				return nil, err
			}
			captured[i] = cm
		}
		m["captured"] = captured
	}
	return m, nil
}

func bufferList(ids []BufferID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
