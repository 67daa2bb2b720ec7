package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// encodeVector renders an embedding in pgvector's text format, e.g.
// "[0.1,0.2,0.3]".
func encodeVector(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// decodeVector parses pgvector's text format back into a float slice.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []float32{}, nil
	}

	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// validateVector rejects embeddings that would corrupt similarity math.
// A wantDim of zero skips the dimension check.
func validateVector(embedding []float32, wantDim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("empty embedding")
	}
	if wantDim > 0 && len(embedding) != wantDim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(embedding), wantDim)
	}
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedding component %d is not finite", i)
		}
	}
	return nil
}
