package facematch

import "math"

// Purpose says what a reference is going to be used for.
type Purpose int

const (
	// PurposeMember is a reference that only has to be recognizable.
	PurposeMember Purpose = iota
	// PurposeRoot is a reference every later distance is measured against.
	PurposeRoot
)

func (p Purpose) String() string {
	if p == PurposeRoot {
		return "root"
	}
	return "member"
}

// Thresholds are the quality limits for one purpose.
type Thresholds struct {
	MinDetScore float64
	MinSizePx   float64
	MaxRollYaw  float64 // degrees
	MaxPitch    float64 // degrees
}

// QualityFilter decides whether a reference is reliable enough for a purpose.
type QualityFilter struct {
	Root   Thresholds
	Member Thresholds
}

// IsUseful reports whether ref passes the thresholds for purpose.
func (f QualityFilter) IsUseful(ref *Reference, purpose Purpose) bool {
	t := f.Member
	if purpose == PurposeRoot {
		t = f.Root
	}

	if !(ref.DetScore >= t.MinDetScore) {
		return false
	}
	if ref.Box.Width() < t.MinSizePx || ref.Box.Height() < t.MinSizePx {
		return false
	}
	if !withinAngle(ref.Pose.Roll, t.MaxRollYaw) || !withinAngle(ref.Pose.Yaw, t.MaxRollYaw) {
		return false
	}
	return withinAngle(ref.Pose.Pitch, t.MaxPitch)
}

// withinAngle is false for NaN, which never compares as small.
func withinAngle(angle, limit float64) bool {
	return math.Abs(angle) <= limit
}
