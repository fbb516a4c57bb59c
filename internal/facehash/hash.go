// Package facehash encodes embeddings into sortable hexadecimal keys.
//
// Every coordinate is quantized to an unsigned integer of Bits bits and the bit-planes of all
// coordinates are interleaved, most significant plane first. Points that are close in embedding
// space tend to share long key prefixes, so a sorted slice of keys answers approximate
// nearest-neighbor queries with a binary search.
package facehash

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// ErrDimension is returned when an embedding has the wrong number of coordinates.
var ErrDimension = errors.New("embedding dimension mismatch")

const hexDigits = "0123456789abcdef"

// Hasher quantizes embeddings with a fixed range and precision.
type Hasher struct {
	Bits int     // bits per coordinate
	Min  float64 // lowest representable coordinate
	Max  float64 // highest representable coordinate
	Dim  int     // expected embedding length, 0 accepts any non-empty length
}

// NewHasher validates the quantization parameters.
func NewHasher(bits int, minValue, maxValue float64, dim int) (*Hasher, error) {
	if bits < 1 || bits > 16 {
		return nil, fmt.Errorf("bits must be between 1 and 16, got %d", bits)
	}
	if !(maxValue > minValue) {
		return nil, fmt.Errorf("max (%v) must be greater than min (%v)", maxValue, minValue)
	}
	if dim < 0 {
		return nil, fmt.Errorf("dimension must not be negative, got %d", dim)
	}
	return &Hasher{Bits: bits, Min: minValue, Max: maxValue, Dim: dim}, nil
}

// KeyWidth returns the number of hex digits in a key for dims coordinates.
func (h *Hasher) KeyWidth(dims int) int {
	return (dims*h.Bits + 3) / 4
}

// Quantize maps v onto [0, 2^Bits-1]. Values outside [Min, Max] saturate.
func (h *Hasher) Quantize(v float64) uint32 {
	top := float64(uint32(1)<<h.Bits - 1)
	scaled := math.Round((v - h.Min) / (h.Max - h.Min) * top)
	if scaled <= 0 || math.IsNaN(scaled) {
		return 0
	}
	if scaled >= top {
		return uint32(top)
	}
	return uint32(scaled)
}

// Hash returns the interleaved key of embedding.
func (h *Hasher) Hash(embedding []float32) (string, error) {
	if len(embedding) == 0 {
		return "", fmt.Errorf("%w: empty embedding", ErrDimension)
	}
	if h.Dim > 0 && len(embedding) != h.Dim {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimension, len(embedding), h.Dim)
	}
	for i, v := range embedding {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("non-finite coordinate at %d", i)
		}
	}

	q := make([]uint32, len(embedding))
	for i, v := range embedding {
		q[i] = h.Quantize(float64(v))
	}

	dims := len(q)
	width := h.KeyWidth(dims)
	// Leading zero bits so the key value equals the interleaved bit string.
	pad := width*4 - dims*h.Bits

	var sb strings.Builder
	sb.Grow(width)
	var nibble byte
	n := 0
	emit := func(bit uint32) {
		nibble = nibble<<1 | byte(bit)
		n++
		if n == 4 {
			sb.WriteByte(hexDigits[nibble])
			nibble, n = 0, 0
		}
	}
	for range pad {
		emit(0)
	}
	for plane := h.Bits - 1; plane >= 0; plane-- {
		for _, c := range q {
			emit(c >> plane & 1)
		}
	}
	return sb.String(), nil
}

// Ceiling returns the exclusive distance bound for keys whose top sharedPlanes bit-planes
// agree: 2^(dims*(bits-sharedPlanes)).
func Ceiling(dims, bits, sharedPlanes int) *big.Int {
	exp := dims * (bits - sharedPlanes)
	if exp < 0 {
		exp = 0
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(exp))
}

// Distance returns |a-b| with both keys read as hexadecimal integers.
func Distance(a, b string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(a, 16)
	if !ok {
		return nil, fmt.Errorf("malformed key %q", a)
	}
	y, ok := new(big.Int).SetString(b, 16)
	if !ok {
		return nil, fmt.Errorf("malformed key %q", b)
	}
	return x.Sub(x, y).Abs(x), nil
}
