package database

import (
	"context"

	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// FaceReader provides read-only access to face detections
type FaceReader interface {
	// GetFaces retrieves all faces for a photo, ordered by face index
	GetFaces(ctx context.Context, photoUID string) ([]StoredFace, error)
	// IsFacesProcessed checks if face detection has been run for a photo (regardless of whether faces were found)
	IsFacesProcessed(ctx context.Context, photoUID string) (bool, error)
	// Count returns the total number of faces stored
	Count(ctx context.Context) (int, error)
	// CountPhotos returns the number of distinct photos with faces
	CountPhotos(ctx context.Context) (int, error)
	// GetFacesByPhotos loads the faces of many photos at once. Only processed photos get
	// an entry; a processed photo without faces maps to an empty slice.
	GetFacesByPhotos(ctx context.Context, photoUIDs []string) (map[string][]StoredFace, error)
}

// FaceWriter provides write access to face data
type FaceWriter interface {
	FaceReader

	// SaveFaces stores multiple faces for a photo (replaces existing faces for that photo)
	SaveFaces(ctx context.Context, photoUID string, faces []StoredFace) error

	// MarkFacesProcessed marks a photo as having been processed for face detection
	MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error
}

// ReferenceIndex maps reference ids to the cluster that owns them.
type ReferenceIndex interface {
	// LookupReference returns the owning cluster of a reference
	LookupReference(ctx context.Context, referenceID string) (string, bool, error)
	// LookupReferences resolves many references at once; unknown ids are absent from the result
	LookupReferences(ctx context.Context, referenceIDs []string) (map[string]string, error)
	// PutReference records the owner of a reference. A different existing owner is ErrMembershipConflict.
	PutReference(ctx context.Context, referenceID, clusterID string) error
	// DeleteReference forgets a reference
	DeleteReference(ctx context.Context, referenceID string) error
}

// ClusterReader provides read-only access to clusters and their member logs
type ClusterReader interface {
	// GetCluster returns nil if the cluster does not exist
	GetCluster(ctx context.Context, id string) (*StoredCluster, error)
	// ListClusters returns all clusters in creation order with derived member counts
	ListClusters(ctx context.Context) ([]StoredCluster, error)
	// ListMembers returns a cluster's member log in append order
	ListMembers(ctx context.Context, clusterID string) ([]Membership, error)
	// CountClusters returns the number of stored clusters
	CountClusters(ctx context.Context) (int, error)
}

// ClusterWriter provides write access to clusters
type ClusterWriter interface {
	ClusterReader
	ReferenceIndex

	// SaveCluster inserts or updates a cluster record and fills in Seq
	SaveCluster(ctx context.Context, c *StoredCluster) error

	// DeleteCluster removes a cluster together with its member log and reverse index entries
	DeleteCluster(ctx context.Context, id string) error

	// AddMember appends to the member log and writes the reverse index in one transaction.
	// Adding a reference that already belongs to the same cluster is a no-op; a reference owned
	// by another cluster yields ErrMembershipConflict.
	AddMember(ctx context.Context, m Membership) error

	// SetClusterContact attaches a contact to a cluster
	SetClusterContact(ctx context.Context, clusterID string, contact facematch.Contact) error
}

// CandidateWriter records suggested contacts on faces
type CandidateWriter interface {
	// RecordCandidateFace inserts or updates the suggestion for (ReferenceID, Strategy)
	RecordCandidateFace(ctx context.Context, c CandidateFace) error
	// ListCandidateFaces returns all suggestions recorded for a photo
	ListCandidateFaces(ctx context.Context, photoUID string) ([]CandidateFace, error)
}

// ContactWriter stores contacts
type ContactWriter interface {
	// UpsertContact inserts or renames a contact
	UpsertContact(ctx context.Context, c StoredContact) error
	// GetContact returns nil if the contact does not exist
	GetContact(ctx context.Context, key string) (*StoredContact, error)
}

// Store is everything a corpus pass reads and writes.
type Store interface {
	FaceWriter
	ClusterWriter
	CandidateWriter
	ContactWriter
}
