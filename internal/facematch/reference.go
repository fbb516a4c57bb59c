// Package facematch holds the face data model and the pure matching rules shared by
// clustering, identity propagation and the CLI: quality filtering, normalized geometry
// and the proximity matcher that ties detections to hand-labeled rectangles.
package facematch

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidEmbedding marks a reference whose embedding cannot be used.
var ErrInvalidEmbedding = errors.New("invalid embedding")

// Pose holds head orientation angles in degrees.
type Pose struct {
	Roll  float64
	Yaw   float64
	Pitch float64
}

// Box is a detection rectangle in display-space pixels plus the raw file dimensions.
type Box struct {
	X1, Y1, X2, Y2 float64
	ImageWidth     int
	ImageHeight    int
	Orientation    int // EXIF orientation (1-8), 0 means unknown
}

// Width returns the box width in pixels.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Reference is one detected face instance. It is immutable once produced by the extractor.
type Reference struct {
	ID        string
	PhotoUID  string
	FaceIndex int
	Embedding []float32
	Box       Box
	DetScore  float64
	Pose      Pose
}

// ReferenceID builds the id of the faceIndex-th detection in a photo.
func ReferenceID(photoUID string, faceIndex int) string {
	return photoUID + "/" + strconv.Itoa(faceIndex)
}

// ParseReferenceID splits an id built by ReferenceID.
func ParseReferenceID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '/')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed reference id %q", id)
	}
	idx, err := strconv.Atoi(id[i+1:])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("malformed reference id %q", id)
	}
	return id[:i], idx, nil
}

// Rect returns the reference's detection box in normalized coordinates.
func (r *Reference) Rect() (NormalizedRect, bool) {
	return r.Box.Relative()
}

// ValidateEmbedding rejects empty, wrongly sized or non-finite embeddings.
// A dim of 0 skips the length check.
func ValidateEmbedding(embedding []float32, dim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidEmbedding)
	}
	if dim > 0 && len(embedding) != dim {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrInvalidEmbedding, len(embedding), dim)
	}
	for i, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrInvalidEmbedding, i)
		}
	}
	return nil
}

// EuclideanDistance returns the L2 distance between two embeddings of equal length.
// Mismatched lengths yield +Inf so they never pass a threshold.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Contact is a person a face can be attributed to.
type Contact struct {
	Key         string
	Name        string
	Synthesized bool // placeholder created for a cluster nobody has named yet
}

// IdentifiedContact is a user label on a specific face rectangle.
type IdentifiedContact struct {
	PhotoUID string
	Rect     NormalizedRect
	Contact  Contact

	// Filled once the label has been tied to a detected reference.
	ReferenceID string
	RefHash     string
	Embedding   []float32
}
