package store

import (
	"fmt"
	"strconv"
	"strings"
)

// vectorToString converts a float32 slice to the pgvector text format.
func vectorToString(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// vectorFromString parses the pgvector text format back into floats.
func vectorFromString(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", truncate(s, 32))
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
