// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Pagination constants
const (
	// DefaultPageSize is the default number of items to fetch per API page
	DefaultPageSize = 1000

	// FaceBatchSize is the number of photos whose faces are loaded per store query
	FaceBatchSize = 500

	// DefaultHandlerPageSize is the page size for paginated handler endpoints
	DefaultHandlerPageSize = 100

	// DefaultSimilarLimit is the default number of roots returned by a similarity search
	DefaultSimilarLimit = 10
)

// Processing constants
const (
	// DefaultIOConcurrency bounds concurrent photo IO when no shared pool is given
	DefaultIOConcurrency = 20

	// DefaultAlbumConcurrency bounds concurrent album sweeps
	DefaultAlbumConcurrency = 4

	// MaxImageSize is the maximum dimension (width or height) sent to the extractor
	MaxImageSize = 1920
)

// Web constants
const (
	// EventChannelBuffer is the buffer of each SSE listener channel
	EventChannelBuffer = 100

	// MaxFinishedJobs bounds how many finished run jobs the web server remembers
	MaxFinishedJobs = 20
)

// Clustering constants
const (
	// CandidateStrategy is the default strategy tag of candidate annotations
	CandidateStrategy = "euclid-v1"

	// PhaseDiscover and PhaseAssign name the two sweeps in progress reports
	PhaseDiscover = "discover"
	PhaseAssign   = "assign"
	// PhasePropagate is reported while contacts are attached
	PhasePropagate = "propagate"
)
