package database

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// RootIndexMetadata stores metadata for validating cached root indexes.
type RootIndexMetadata struct {
	ClusterCount int       `json:"cluster_count"`
	MaxSeq       int64     `json:"max_seq"`
	BuildTime    time.Time `json:"build_time"`
	Version      int       `json:"version"` // For future compatibility
}

const rootIndexMetadataVersion = 1

// RootEntry is what the index remembers about a cluster root.
type RootEntry struct {
	ClusterID       string
	RootReferenceID string
	RootPhotoUID    string
	ContactName     string
	MemberCount     int
	Embedding       []float32
}

// RootIndex wraps an HNSW graph over cluster root embeddings, keyed by cluster id.
type RootIndex struct {
	graph      *hnsw.Graph[string]
	savedGraph *hnsw.SavedGraph[string] // For persistence
	entries    map[string]*RootEntry
	synced     RootIndexMetadata // what Sync last built or loaded
	mu         sync.RWMutex
}

// NewRootIndex creates a new empty root index.
func NewRootIndex() *RootIndex {
	return &RootIndex{
		entries: make(map[string]*RootEntry),
	}
}

func newRootGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.EuclideanDistance
	return g
}

// BuildFromClusters builds the index from stored clusters.
func (h *RootIndex) BuildFromClusters(clusters []StoredCluster) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.savedGraph = nil
	h.entries = make(map[string]*RootEntry, len(clusters))
	if len(clusters) == 0 {
		h.graph = nil
		return nil
	}

	g := newRootGraph()
	dim := 0
	for i := range clusters {
		c := &clusters[i]
		if len(c.RootEmbedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(c.RootEmbedding)
		}
		if len(c.RootEmbedding) != dim {
			return fmt.Errorf("cluster %s: root embedding has %d dimensions, index has %d", c.ID, len(c.RootEmbedding), dim)
		}
		g.Add(hnsw.MakeNode(c.ID, c.RootEmbedding))
		h.entries[c.ID] = &RootEntry{
			ClusterID:       c.ID,
			RootReferenceID: c.RootReferenceID,
			RootPhotoUID:    c.RootPhotoUID,
			ContactName:     c.ContactName,
			MemberCount:     c.MemberCount,
			Embedding:       c.RootEmbedding,
		}
	}

	h.graph = g
	return nil
}

// Search finds the k roots nearest to query. Distances are Euclidean.
func (h *RootIndex) Search(query []float32, k int) ([]RootEntry, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		return nil, nil, errors.New("index not initialized")
	}

	var neighbors []hnsw.Node[string]
	if h.savedGraph != nil {
		neighbors = h.savedGraph.Search(query, k*HNSWSearchMultiplier)
	} else {
		neighbors = h.graph.Search(query, k*HNSWSearchMultiplier)
	}

	entries := make([]RootEntry, 0, k)
	distances := make([]float64, 0, k)
	for _, n := range neighbors {
		e, ok := h.entries[n.Key]
		if !ok {
			continue // deleted
		}
		entries = append(entries, *e)
		distances = append(distances, facematch.EuclideanDistance(query, n.Value))
		if len(entries) >= k {
			break
		}
	}
	return entries, distances, nil
}

// Get returns the entry for a cluster id.
func (h *RootIndex) Get(clusterID string) *RootEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries[clusterID]
}

// Delete removes a cluster from search results.
func (h *RootIndex) Delete(clusterID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// HNSW nodes stay in the graph; dropping the entry filters them out of Search.
	delete(h.entries, clusterID)
}

// Count returns the number of indexed roots.
func (h *RootIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *RootIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil && h.savedGraph == nil
}

// exportGraph exports the HNSW graph to the given file path.
func (h *RootIndex) exportGraph(path string) error {
	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create root index file: %w", err)
	}
	if h.savedGraph != nil {
		err = h.savedGraph.Export(f)
	} else {
		err = h.graph.Export(f)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing root index file: %w", err)
	}
	return nil
}

// SaveWithMetadata persists the graph, a .meta JSON sidecar and a .roots gob sidecar.
func (h *RootIndex) SaveWithMetadata(path string, metadata RootIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		// Nothing indexed: remove stale files (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".roots")
		return nil
	}

	if err := h.exportGraph(path); err != nil {
		return err
	}

	metadata.Version = rootIndexMetadataVersion
	metadata.ClusterCount = len(h.entries)
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	entries := make([]RootEntry, 0, len(h.entries))
	for _, e := range h.entries {
		entries = append(entries, *e)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return fmt.Errorf("failed to encode roots: %w", err)
	}
	if err := os.WriteFile(path+".roots", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write roots file: %w", err)
	}
	return nil
}

// LoadRootIndexMetadata loads metadata from a separate .meta file.
func LoadRootIndexMetadata(path string) (RootIndexMetadata, error) {
	var metadata RootIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// LoadWithMetadata loads the graph and root entries from disk.
func (h *RootIndex) LoadWithMetadata(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("root index file not found: %s", path)
	}

	saved, err := hnsw.LoadSavedGraph[string](path)
	if err != nil {
		return fmt.Errorf("failed to load root index: %w", err)
	}

	data, err := os.ReadFile(path + ".roots") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read roots file: %w", err)
	}
	var entries []RootEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode roots: %w", err)
	}

	h.savedGraph = saved
	h.graph = nil
	h.entries = make(map[string]*RootEntry, len(entries))
	for i := range entries {
		h.entries[entries[i].ClusterID] = &entries[i]
	}
	return nil
}

// IsFresh reports whether metadata matches the store's current cluster set.
func (m RootIndexMetadata) IsFresh(clusterCount int, maxSeq int64) bool {
	return m.Version == rootIndexMetadataVersion && m.ClusterCount == clusterCount && m.MaxSeq == maxSeq
}

// Sync brings the index in line with the stored clusters. A fresh index is left alone; a
// fresh snapshot at path is loaded; otherwise the index is rebuilt and, when path is set,
// saved there.
func (h *RootIndex) Sync(ctx context.Context, reader ClusterReader, path string) error {
	clusters, err := reader.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}
	var maxSeq int64
	for i := range clusters {
		maxSeq = max(maxSeq, clusters[i].Seq)
	}

	h.mu.RLock()
	fresh := h.synced.IsFresh(len(clusters), maxSeq)
	h.mu.RUnlock()
	if fresh {
		return nil
	}

	if path != "" {
		if meta, err := LoadRootIndexMetadata(path); err == nil && meta.IsFresh(len(clusters), maxSeq) {
			if err := h.LoadWithMetadata(path); err == nil {
				h.setSynced(meta)
				return nil
			}
		}
	}

	if err := h.BuildFromClusters(clusters); err != nil {
		return err
	}
	meta := RootIndexMetadata{
		ClusterCount: len(clusters),
		MaxSeq:       maxSeq,
		BuildTime:    time.Now(),
		Version:      rootIndexMetadataVersion,
	}
	h.setSynced(meta)
	if path != "" {
		if err := h.SaveWithMetadata(path, meta); err != nil {
			return fmt.Errorf("save root index: %w", err)
		}
	}
	return nil
}

func (h *RootIndex) setSynced(meta RootIndexMetadata) {
	h.mu.Lock()
	h.synced = meta
	h.mu.Unlock()
}
