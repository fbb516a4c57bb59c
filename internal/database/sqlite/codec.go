package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// encodeEmbedding packs float32 values little-endian.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

func encodeFloats(v []float64) (string, error) {
	if v == nil {
		v = []float64{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal floats: %w", err)
	}
	return string(data), nil
}

func decodeFloats(s string) ([]float64, error) {
	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("unmarshal floats: %w", err)
	}
	return v, nil
}

// encodeRect stores a rect as [top, left, right, bottom].
func encodeRect(r facematch.NormalizedRect) (string, error) {
	return encodeFloats([]float64{r.Top, r.Left, r.Right, r.Bottom})
}

func decodeRect(s string) (facematch.NormalizedRect, error) {
	v, err := decodeFloats(s)
	if err != nil {
		return facematch.NormalizedRect{}, err
	}
	if len(v) != 4 {
		return facematch.NormalizedRect{}, fmt.Errorf("rect has %d values, want 4", len(v))
	}
	return facematch.NormalizedRect{Top: v[0], Left: v[1], Right: v[2], Bottom: v[3]}, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullableInt(value int) sql.NullInt64 {
	if value <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(value), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
