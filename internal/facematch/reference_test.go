package facematch

import (
	"errors"
	"math"
	"testing"
)

func TestReferenceIDRoundTrip(t *testing.T) {
	id := ReferenceID("pqx1abc", 3)
	if id != "pqx1abc/3" {
		t.Fatalf("ReferenceID() = %q", id)
	}
	uid, idx, err := ParseReferenceID(id)
	if err != nil {
		t.Fatalf("ParseReferenceID() error: %v", err)
	}
	if uid != "pqx1abc" || idx != 3 {
		t.Errorf("ParseReferenceID() = %q, %d", uid, idx)
	}
}

func TestParseReferenceIDMalformed(t *testing.T) {
	for _, id := range []string{"", "abc", "/3", "abc/", "abc/x", "abc/-1"} {
		t.Run(id, func(t *testing.T) {
			if _, _, err := ParseReferenceID(id); err == nil {
				t.Errorf("ParseReferenceID(%q) expected error", id)
			}
		})
	}
}

func TestValidateEmbedding(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name    string
		emb     []float32
		dim     int
		wantErr bool
	}{
		{"ok", []float32{0.1, 0.2, 0.3}, 3, false},
		{"dim unchecked", []float32{0.1, 0.2}, 0, false},
		{"empty", nil, 3, true},
		{"wrong length", []float32{0.1, 0.2}, 3, true},
		{"nan", []float32{0.1, nan, 0.3}, 3, true},
		{"inf", []float32{inf, 0.2, 0.3}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmbedding(tt.emb, tt.dim)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateEmbedding() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEmbedding) {
				t.Errorf("error %v does not wrap ErrInvalidEmbedding", err)
			}
		})
	}
}

func TestEuclideanDistance(t *testing.T) {
	if d := EuclideanDistance([]float32{0, 0}, []float32{3, 4}); math.Abs(d-5) > 1e-9 {
		t.Errorf("EuclideanDistance() = %v, want 5", d)
	}
	if d := EuclideanDistance([]float32{1, 2}, []float32{1, 2}); d != 0 {
		t.Errorf("identical embeddings distance = %v, want 0", d)
	}
	if d := EuclideanDistance([]float32{1}, []float32{1, 2}); !math.IsInf(d, 1) {
		t.Errorf("mismatched lengths distance = %v, want +Inf", d)
	}
}
