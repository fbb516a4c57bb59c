package database

// HNSW index parameters for cluster root embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after filtering deleted roots.
	HNSWSearchMultiplier = 3
)

// Backend names reported by BackendName.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)
