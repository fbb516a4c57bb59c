// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// MockFaceReader is a mock implementation of database.FaceReader
type MockFaceReader struct {
	mu        sync.RWMutex
	faces     map[string][]database.StoredFace // keyed by PhotoUID
	processed map[string]int

	// Error injection
	GetFacesError         error
	IsFacesProcessedError error
	CountError            error
	CountPhotosError      error

	// FailPhotos makes GetFaces and GetFacesByPhotos fail for specific photos
	FailPhotos map[string]error

	// BatchCalls records the photo UIDs of every GetFacesByPhotos call
	BatchCalls [][]string
}

// NewMockFaceReader creates a new mock face reader
func NewMockFaceReader() *MockFaceReader {
	return &MockFaceReader{
		faces:     make(map[string][]database.StoredFace),
		processed: make(map[string]int),
	}
}

// AddFaces adds faces for a photo and marks it processed
func (m *MockFaceReader) AddFaces(photoUID string, faces []database.StoredFace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range faces {
		faces[i].PhotoUID = photoUID
	}
	m.faces[photoUID] = faces
	m.processed[photoUID] = len(faces)
}

// GetFaces retrieves all faces for a photo
func (m *MockFaceReader) GetFaces(ctx context.Context, photoUID string) ([]database.StoredFace, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	if err := m.FailPhotos[photoUID]; err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.faces[photoUID]), nil
}

// IsFacesProcessed checks if face detection has been run
func (m *MockFaceReader) IsFacesProcessed(ctx context.Context, photoUID string) (bool, error) {
	if m.IsFacesProcessedError != nil {
		return false, m.IsFacesProcessedError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[photoUID]
	return ok, nil
}

// Count returns the total number of faces
func (m *MockFaceReader) Count(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, faces := range m.faces {
		count += len(faces)
	}
	return count, nil
}

// CountPhotos returns the number of photos with faces
func (m *MockFaceReader) CountPhotos(ctx context.Context) (int, error) {
	if m.CountPhotosError != nil {
		return 0, m.CountPhotosError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, faces := range m.faces {
		if len(faces) > 0 {
			count++
		}
	}
	return count, nil
}

// GetFacesByPhotos returns the faces of the processed photos among photoUIDs
func (m *MockFaceReader) GetFacesByPhotos(ctx context.Context, photoUIDs []string) (map[string][]database.StoredFace, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	for _, uid := range photoUIDs {
		if err := m.FailPhotos[uid]; err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchCalls = append(m.BatchCalls, slices.Clone(photoUIDs))

	out := make(map[string][]database.StoredFace)
	for _, uid := range photoUIDs {
		if _, ok := m.processed[uid]; ok {
			out[uid] = append([]database.StoredFace{}, m.faces[uid]...)
		}
	}
	return out, nil
}

// MockFaceWriter is a mock implementation of database.FaceWriter
type MockFaceWriter struct {
	*MockFaceReader

	// Track calls
	SaveFacesCalls     []SaveFacesCall
	MarkProcessedCalls []MarkProcessedCall

	// Error injection
	SaveFacesError     error
	MarkProcessedError error
}

// SaveFacesCall tracks a SaveFaces call
type SaveFacesCall struct {
	PhotoUID string
	Faces    []database.StoredFace
}

// MarkProcessedCall tracks a MarkFacesProcessed call
type MarkProcessedCall struct {
	PhotoUID  string
	FaceCount int
}

// NewMockFaceWriter creates a new mock face writer
func NewMockFaceWriter() *MockFaceWriter {
	return &MockFaceWriter{
		MockFaceReader: NewMockFaceReader(),
	}
}

// SaveFaces stores faces for a photo
func (m *MockFaceWriter) SaveFaces(ctx context.Context, photoUID string, faces []database.StoredFace) error {
	if m.SaveFacesError != nil {
		return m.SaveFacesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveFacesCalls = append(m.SaveFacesCalls, SaveFacesCall{PhotoUID: photoUID, Faces: faces})
	stored := make([]database.StoredFace, len(faces))
	for i := range faces {
		stored[i] = faces[i]
		stored[i].PhotoUID = photoUID
	}
	m.faces[photoUID] = stored
	return nil
}

// MarkFacesProcessed marks a photo as processed
func (m *MockFaceWriter) MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error {
	if m.MarkProcessedError != nil {
		return m.MarkProcessedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkProcessedCalls = append(m.MarkProcessedCalls, MarkProcessedCall{PhotoUID: photoUID, FaceCount: faceCount})
	m.processed[photoUID] = faceCount
	return nil
}

// MockStore is an in-memory database.Store
type MockStore struct {
	*MockFaceWriter

	cmu        sync.RWMutex
	clusters   map[string]*database.StoredCluster
	members    map[string][]database.Membership
	refIndex   map[string]string
	candidates map[string]database.CandidateFace // keyed by reference id + strategy
	contacts   map[string]database.StoredContact
	nextSeq    int64

	// Track calls
	AddMemberCalls     []database.Membership
	DeleteClusterCalls []string
	CandidateCalls     []database.CandidateFace

	// Error injection
	SaveClusterError      error
	DeleteClusterError    error
	AddMemberError        error
	ListClustersError     error
	ListMembersError      error
	LookupError           error
	SetContactError       error
	RecordCandidateError  error
	UpsertContactError    error
	FailCandidatesByPhoto map[string]error
}

var _ database.Store = (*MockStore)(nil)

// NewMockStore creates an empty in-memory store
func NewMockStore() *MockStore {
	return &MockStore{
		MockFaceWriter: NewMockFaceWriter(),
		clusters:       make(map[string]*database.StoredCluster),
		members:        make(map[string][]database.Membership),
		refIndex:       make(map[string]string),
		candidates:     make(map[string]database.CandidateFace),
		contacts:       make(map[string]database.StoredContact),
	}
}

// LookupReference returns the owning cluster of a reference
func (m *MockStore) LookupReference(ctx context.Context, referenceID string) (string, bool, error) {
	if m.LookupError != nil {
		return "", false, m.LookupError
	}
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	id, ok := m.refIndex[referenceID]
	return id, ok, nil
}

// LookupReferences resolves many references at once
func (m *MockStore) LookupReferences(ctx context.Context, referenceIDs []string) (map[string]string, error) {
	if m.LookupError != nil {
		return nil, m.LookupError
	}
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	out := make(map[string]string)
	for _, id := range referenceIDs {
		if c, ok := m.refIndex[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

// PutReference records the owner of a reference
func (m *MockStore) PutReference(ctx context.Context, referenceID, clusterID string) error {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	if cur, ok := m.refIndex[referenceID]; ok && cur != clusterID {
		return fmt.Errorf("%s in %s: %w", referenceID, cur, database.ErrMembershipConflict)
	}
	m.refIndex[referenceID] = clusterID
	return nil
}

// DeleteReference forgets a reference
func (m *MockStore) DeleteReference(ctx context.Context, referenceID string) error {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	delete(m.refIndex, referenceID)
	return nil
}

// GetCluster returns a cluster by id
func (m *MockStore) GetCluster(ctx context.Context, id string) (*database.StoredCluster, error) {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, nil
	}
	out := *c
	out.MemberCount = len(m.members[id])
	return &out, nil
}

// ListClusters returns all clusters in creation order
func (m *MockStore) ListClusters(ctx context.Context) ([]database.StoredCluster, error) {
	if m.ListClustersError != nil {
		return nil, m.ListClustersError
	}
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	out := make([]database.StoredCluster, 0, len(m.clusters))
	for id, c := range m.clusters {
		cl := *c
		cl.MemberCount = len(m.members[id])
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListMembers returns a cluster's member log
func (m *MockStore) ListMembers(ctx context.Context, clusterID string) ([]database.Membership, error) {
	if m.ListMembersError != nil {
		return nil, m.ListMembersError
	}
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	return slices.Clone(m.members[clusterID]), nil
}

// CountClusters returns the number of clusters
func (m *MockStore) CountClusters(ctx context.Context) (int, error) {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	return len(m.clusters), nil
}

// SaveCluster inserts or updates a cluster
func (m *MockStore) SaveCluster(ctx context.Context, c *database.StoredCluster) error {
	if m.SaveClusterError != nil {
		return m.SaveClusterError
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	now := time.Now()
	if existing, ok := m.clusters[c.ID]; ok {
		c.Seq = existing.Seq
		c.CreatedAt = existing.CreatedAt
	} else {
		m.nextSeq++
		c.Seq = m.nextSeq
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	stored := *c
	m.clusters[c.ID] = &stored
	return nil
}

// DeleteCluster removes a cluster with its members and reverse index entries
func (m *MockStore) DeleteCluster(ctx context.Context, id string) error {
	if m.DeleteClusterError != nil {
		return m.DeleteClusterError
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	m.DeleteClusterCalls = append(m.DeleteClusterCalls, id)
	for _, mem := range m.members[id] {
		delete(m.refIndex, mem.ReferenceID)
	}
	delete(m.members, id)
	delete(m.clusters, id)
	return nil
}

// AddMember appends a membership and writes the reverse index
func (m *MockStore) AddMember(ctx context.Context, mem database.Membership) error {
	if m.AddMemberError != nil {
		return m.AddMemberError
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	if _, ok := m.clusters[mem.ClusterID]; !ok {
		return fmt.Errorf("cluster %s not found", mem.ClusterID)
	}
	if cur, ok := m.refIndex[mem.ReferenceID]; ok {
		if cur != mem.ClusterID {
			return fmt.Errorf("%s in %s: %w", mem.ReferenceID, cur, database.ErrMembershipConflict)
		}
		return nil
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	m.AddMemberCalls = append(m.AddMemberCalls, mem)
	m.members[mem.ClusterID] = append(m.members[mem.ClusterID], mem)
	m.refIndex[mem.ReferenceID] = mem.ClusterID
	return nil
}

// SetClusterContact attaches a contact to a cluster
func (m *MockStore) SetClusterContact(ctx context.Context, clusterID string, contact facematch.Contact) error {
	if m.SetContactError != nil {
		return m.SetContactError
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return fmt.Errorf("cluster %s not found", clusterID)
	}
	c.ContactKey = contact.Key
	c.ContactName = contact.Name
	c.Synthesized = contact.Synthesized
	c.UpdatedAt = time.Now()
	return nil
}

// RecordCandidateFace inserts or updates a candidate suggestion
func (m *MockStore) RecordCandidateFace(ctx context.Context, c database.CandidateFace) error {
	if m.RecordCandidateError != nil {
		return m.RecordCandidateError
	}
	if err := m.FailCandidatesByPhoto[c.PhotoUID]; err != nil {
		return err
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	c.UpdatedAt = time.Now()
	m.CandidateCalls = append(m.CandidateCalls, c)
	m.candidates[c.ReferenceID+"\x00"+c.Strategy] = c
	return nil
}

// ListCandidateFaces returns the suggestions recorded for a photo
func (m *MockStore) ListCandidateFaces(ctx context.Context, photoUID string) ([]database.CandidateFace, error) {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	var out []database.CandidateFace
	for _, c := range m.candidates {
		if c.PhotoUID == photoUID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceID < out[j].ReferenceID })
	return out, nil
}

// Candidates returns every stored suggestion
func (m *MockStore) Candidates() []database.CandidateFace {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	out := make([]database.CandidateFace, 0, len(m.candidates))
	for _, c := range m.candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceID < out[j].ReferenceID })
	return out
}

// UpsertContact inserts or renames a contact
func (m *MockStore) UpsertContact(ctx context.Context, c database.StoredContact) error {
	if m.UpsertContactError != nil {
		return m.UpsertContactError
	}
	m.cmu.Lock()
	defer m.cmu.Unlock()
	if existing, ok := m.contacts[c.Key]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = time.Now()
	}
	m.contacts[c.Key] = c
	return nil
}

// GetContact returns a contact by key
func (m *MockStore) GetContact(ctx context.Context, key string) (*database.StoredContact, error) {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	c, ok := m.contacts[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
