package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with old hashes.
const (
	DomainScope      = "rowsync/scope/v1"
	DomainParameters = "rowsync/parameters/v1"
)

// ScopeHash returns the content hash of a scope definition. Two definitions
// with the same tables, columns, keys, directions and filters hash equally
// regardless of map ordering or Unicode normalization of names.
func ScopeHash(def ScopeDefinition) (string, error) {
	tables := make([]any, len(def.Tables))
	for i, t := range def.Tables {
		cols := make([]any, len(t.Columns))
		for j, c := range t.Columns {
			cols[j] = map[string]any{
				"name":        c.Name,
				"type":        c.Type,
				"primary_key": c.PrimaryKey,
			}
		}
		dir := t.Direction
		if dir == "" {
			dir = DirectionBidirectional
		}
		tm := map[string]any{
			"name":      t.Name,
			"columns":   cols,
			"direction": string(dir),
		}
		if t.Filter != nil {
			tm["filter"] = map[string]any{
				"column":    t.Filter.Column,
				"parameter": t.Filter.Parameter,
			}
		}
		tables[i] = tm
	}
	data, err := marshalCanonical(map[string]any{
		"name":   def.Name,
		"tables": tables,
	})
	if err != nil {
		return "", fmt.Errorf("scope hash: %w", err)
	}
	return hashWithDomain(DomainScope, data), nil
}

// ParametersHash returns a stable hash of a filter parameter set. Values are
// rendered with %v, so 1 and "1" hash equally.
func ParametersHash(params map[string]any) (string, error) {
	m := make(map[string]any, len(params))
	for k, v := range params {
		m[k] = fmt.Sprintf("%v", v)
	}
	data, err := marshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("parameters hash: %w", err)
	}
	return hashWithDomain(DomainParameters, data), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// marshalCanonical produces RFC 8785 style canonical JSON: keys sorted by
// UTF-16 code units, NFC-normalized strings, no HTML escaping, no floats.
func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return marshalCanonicalString(val)
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int:
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
			b, err := marshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareUTF16)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalCanonicalString(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalCanonical(val[k])
			if err != nil {
				return nil, fmt.Errorf("value for key %q: %w", k, err)
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// marshalCanonicalString encodes s as a JSON string after NFC normalization,
// without HTML escaping.
func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// compareUTF16 orders strings by UTF-16 code units.
// Go's native string ordering compares UTF-8 bytes, which differs for
// characters outside the BMP.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}
