package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serializes a decoded JSON tree to a stable byte form:
// UTF-8, object keys sorted, no insignificant whitespace. The document id
// is derived from this form, so it must not vary between runs.
func CanonicalJSON(tree any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to serialize scalar: %w", err)
		}
		buf.Write(raw)
		return nil
	}
}
