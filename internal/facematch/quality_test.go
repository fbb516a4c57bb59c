package facematch

import (
	"math"
	"testing"
)

func testFilter() QualityFilter {
	return QualityFilter{
		Root:   Thresholds{MinDetScore: 0.75, MinSizePx: 70, MaxRollYaw: 30, MaxPitch: 15},
		Member: Thresholds{MinDetScore: 0.5, MinSizePx: 35, MaxRollYaw: 45, MaxPitch: 22.5},
	}
}

func refWith(score, size float64, pose Pose) *Reference {
	return &Reference{
		ID:        "p1/0",
		PhotoUID:  "p1",
		Embedding: []float32{0.1, 0.2},
		Box:       Box{X1: 10, Y1: 10, X2: 10 + size, Y2: 10 + size, ImageWidth: 1000, ImageHeight: 1000, Orientation: 1},
		DetScore:  score,
		Pose:      pose,
	}
}

func TestQualityFilterIsUseful(t *testing.T) {
	f := testFilter()
	tests := []struct {
		name    string
		ref     *Reference
		purpose Purpose
		want    bool
	}{
		{"good root", refWith(0.9, 100, Pose{}), PurposeRoot, true},
		{"good member", refWith(0.9, 100, Pose{}), PurposeMember, true},
		{"low score for root, fine for member", refWith(0.6, 100, Pose{}), PurposeRoot, false},
		{"low score member ok", refWith(0.6, 100, Pose{}), PurposeMember, true},
		{"score at root threshold", refWith(0.75, 100, Pose{}), PurposeRoot, true},
		{"too small for root", refWith(0.9, 50, Pose{}), PurposeRoot, false},
		{"small member ok", refWith(0.9, 50, Pose{}), PurposeMember, true},
		{"too small for member", refWith(0.9, 20, Pose{}), PurposeMember, false},
		{"yaw too large for root", refWith(0.9, 100, Pose{Yaw: 40}), PurposeRoot, false},
		{"yaw ok for member", refWith(0.9, 100, Pose{Yaw: 40}), PurposeMember, true},
		{"negative roll", refWith(0.9, 100, Pose{Roll: -31}), PurposeRoot, false},
		{"pitch too large", refWith(0.9, 100, Pose{Pitch: 16}), PurposeRoot, false},
		{"pitch ok for member", refWith(0.9, 100, Pose{Pitch: 20}), PurposeMember, true},
		{"NaN score", refWith(math.NaN(), 100, Pose{}), PurposeMember, false},
		{"NaN pose", refWith(0.9, 100, Pose{Pitch: math.NaN()}), PurposeMember, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsUseful(tt.ref, tt.purpose); got != tt.want {
				t.Errorf("IsUseful(%s) = %v, want %v", tt.purpose, got, tt.want)
			}
		})
	}
}

func TestRootStricterThanMember(t *testing.T) {
	f := testFilter()
	for _, score := range []float64{0.4, 0.55, 0.8} {
		for _, size := range []float64{30, 50, 90} {
			for _, yaw := range []float64{0, 35, 50} {
				ref := refWith(score, size, Pose{Yaw: yaw})
				if f.IsUseful(ref, PurposeRoot) && !f.IsUseful(ref, PurposeMember) {
					t.Errorf("root-useful but not member-useful: score=%v size=%v yaw=%v", score, size, yaw)
				}
			}
		}
	}
}

func TestPurposeString(t *testing.T) {
	if PurposeRoot.String() != "root" || PurposeMember.String() != "member" {
		t.Errorf("unexpected purpose names %q %q", PurposeRoot, PurposeMember)
	}
}
