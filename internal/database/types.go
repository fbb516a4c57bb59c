package database

import (
	"errors"
	"time"

	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// ErrMembershipConflict is returned when a reference is already recorded in a different cluster.
var ErrMembershipConflict = errors.New("reference already belongs to another cluster")

// StoredFace represents a face detection stored in the database
type StoredFace struct {
	ID        int64
	PhotoUID  string
	FaceIndex int
	Embedding []float32
	BBox      []float64 // [x1, y1, x2, y2] in display-space pixels
	DetScore  float64
	Roll      float64
	Yaw       float64
	Pitch     float64
	Model     string
	Dim       int
	CreatedAt time.Time

	PhotoWidth  int // Primary file width in pixels
	PhotoHeight int // Primary file height in pixels
	Orientation int // EXIF orientation (1-8)
	FileUID     string
}

// Reference converts the stored row to the immutable matching model.
func (f *StoredFace) Reference() facematch.Reference {
	ref := facematch.Reference{
		ID:        facematch.ReferenceID(f.PhotoUID, f.FaceIndex),
		PhotoUID:  f.PhotoUID,
		FaceIndex: f.FaceIndex,
		Embedding: f.Embedding,
		DetScore:  f.DetScore,
		Pose:      facematch.Pose{Roll: f.Roll, Yaw: f.Yaw, Pitch: f.Pitch},
		Box: facematch.Box{
			ImageWidth:  f.PhotoWidth,
			ImageHeight: f.PhotoHeight,
			Orientation: f.Orientation,
		},
	}
	if len(f.BBox) == 4 {
		ref.Box.X1, ref.Box.Y1, ref.Box.X2, ref.Box.Y2 = f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]
	}
	return ref
}

// FaceProcessedRecord represents a record of a photo that has been processed for face detection
type FaceProcessedRecord struct {
	PhotoUID  string
	FaceCount int
	CreatedAt time.Time
}

// StoredCluster is a durable cluster record. MemberCount is derived from the membership log.
type StoredCluster struct {
	ID              string
	Seq             int64 // creation order, used for pruning tie-breaks
	RootReferenceID string
	RootPhotoUID    string
	RootEmbedding   []float32
	RootRect        facematch.NormalizedRect
	ContactKey      string
	ContactName     string
	Synthesized     bool
	MemberCount     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasContact reports whether a contact has been attached to the cluster.
func (c *StoredCluster) HasContact() bool {
	return c.ContactKey != ""
}

// Membership is one entry of a cluster's append-only member log.
type Membership struct {
	ClusterID   string
	ReferenceID string
	PhotoUID    string
	Rect        facematch.NormalizedRect
	IsRoot      bool
	CreatedAt   time.Time
}

// CandidateFace is an unconfirmed person suggestion written for a face in a photo.
// (ReferenceID, Strategy) is unique.
type CandidateFace struct {
	PhotoUID    string
	ReferenceID string
	Strategy    string
	Rect        facematch.NormalizedRect
	ContactKey  string
	ContactName string
	UpdatedAt   time.Time
}

// StoredContact is a person known to the store, either user supplied or synthesized.
type StoredContact struct {
	Key         string
	Name        string
	Synthesized bool
	CreatedAt   time.Time
}
