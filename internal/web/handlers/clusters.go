package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/logging"
)

// ClustersHandler serves read-only views of the stored clusters.
type ClustersHandler struct {
	store     database.ClusterReader
	roots     *database.RootIndex
	indexPath string
	log       *logging.Entry
}

// NewClustersHandler creates a clusters handler. roots may be nil, which disables the
// similarity endpoint.
func NewClustersHandler(store database.ClusterReader, roots *database.RootIndex, indexPath string) *ClustersHandler {
	return &ClustersHandler{
		store:     store,
		roots:     roots,
		indexPath: indexPath,
		log:       logging.Component("web"),
	}
}

// ClusterResponse is the JSON form of a cluster.
type ClusterResponse struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	RootReferenceID string    `json:"root_reference_id"`
	RootPhotoUID    string    `json:"root_photo_uid"`
	ContactKey      string    `json:"contact_key,omitempty"`
	ContactName     string    `json:"contact_name,omitempty"`
	Synthesized     bool      `json:"synthesized,omitempty"`
	MemberCount     int       `json:"member_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// MemberResponse is the JSON form of a membership.
type MemberResponse struct {
	ReferenceID string                   `json:"reference_id"`
	PhotoUID    string                   `json:"photo_uid"`
	Rect        facematch.NormalizedRect `json:"rect"`
	IsRoot      bool                     `json:"is_root,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

// SimilarResponse is one entry of a similarity search.
type SimilarResponse struct {
	ClusterID       string  `json:"cluster_id"`
	RootReferenceID string  `json:"root_reference_id"`
	ContactName     string  `json:"contact_name,omitempty"`
	MemberCount     int     `json:"member_count"`
	Distance        float64 `json:"distance"`
}

func clusterToResponse(c *database.StoredCluster) ClusterResponse {
	return ClusterResponse{
		ID:              c.ID,
		Seq:             c.Seq,
		RootReferenceID: c.RootReferenceID,
		RootPhotoUID:    c.RootPhotoUID,
		ContactKey:      c.ContactKey,
		ContactName:     c.ContactName,
		Synthesized:     c.Synthesized,
		MemberCount:     c.MemberCount,
		CreatedAt:       c.CreatedAt,
	}
}

// List returns clusters in creation order, paged with ?limit= and ?offset=.
func (h *ClustersHandler) List(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.store.ListClusters(r.Context())
	if err != nil {
		h.log.WithField("error", err).Error("Failed to list clusters")
		respondError(w, http.StatusInternalServerError, "failed to list clusters")
		return
	}

	limit := queryInt(r, "limit", constants.DefaultHandlerPageSize)
	offset := min(queryInt(r, "offset", 0), len(clusters))
	end := min(offset+limit, len(clusters))

	page := make([]ClusterResponse, 0, end-offset)
	for i := offset; i < end; i++ {
		page = append(page, clusterToResponse(&clusters[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"clusters": page,
		"total":    len(clusters),
		"offset":   offset,
		"limit":    limit,
	})
}

// Get returns one cluster with its member log.
func (h *ClustersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.store.GetCluster(r.Context(), id)
	if err != nil {
		h.log.WithFields(logging.Fields{"cluster": id, "error": err}).Error("Failed to get cluster")
		respondError(w, http.StatusInternalServerError, "failed to get cluster")
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "cluster not found")
		return
	}

	members, err := h.store.ListMembers(r.Context(), id)
	if err != nil {
		h.log.WithFields(logging.Fields{"cluster": id, "error": err}).Error("Failed to list members")
		respondError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	out := make([]MemberResponse, len(members))
	for i, m := range members {
		out[i] = MemberResponse{
			ReferenceID: m.ReferenceID,
			PhotoUID:    m.PhotoUID,
			Rect:        m.Rect,
			IsRoot:      m.IsRoot,
			CreatedAt:   m.CreatedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cluster": clusterToResponse(c),
		"members": out,
	})
}

// Similar returns the clusters whose roots are nearest to the given cluster's root.
func (h *ClustersHandler) Similar(w http.ResponseWriter, r *http.Request) {
	if h.roots == nil {
		respondError(w, http.StatusServiceUnavailable, "similarity index disabled")
		return
	}
	id := chi.URLParam(r, "id")
	c, err := h.store.GetCluster(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get cluster")
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "cluster not found")
		return
	}

	if err := h.roots.Sync(r.Context(), h.store, h.indexPath); err != nil {
		h.log.WithField("error", err).Error("Failed to sync root index")
		respondError(w, http.StatusInternalServerError, "failed to build similarity index")
		return
	}

	limit := max(queryInt(r, "limit", constants.DefaultSimilarLimit), 1)
	results := []SimilarResponse{}
	if !h.roots.IsEmpty() {
		// one extra for the cluster itself
		entries, distances, err := h.roots.Search(c.RootEmbedding, limit+1)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "similarity search failed")
			return
		}
		for i, e := range entries {
			if e.ClusterID == id || len(results) == limit {
				continue
			}
			results = append(results, SimilarResponse{
				ClusterID:       e.ClusterID,
				RootReferenceID: e.RootReferenceID,
				ContactName:     e.ContactName,
				MemberCount:     e.MemberCount,
				Distance:        distances[i],
			})
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cluster_id": id,
		"similar":    results,
	})
}
