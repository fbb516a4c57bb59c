package postgres

import "github.com/kozaktomas/photo-faces/internal/database"

// Store combines the PostgreSQL repositories into a database.Store.
type Store struct {
	*FaceRepository
	*ClusterRepository
	*CandidateRepository
}

var _ database.Store = (*Store)(nil)

// NewStore creates a Store backed by pool.
func NewStore(pool *Pool) *Store {
	return &Store{
		FaceRepository:      NewFaceRepository(pool),
		ClusterRepository:   NewClusterRepository(pool),
		CandidateRepository: NewCandidateRepository(pool),
	}
}
