package cluster

import (
	"math"
	"slices"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// Cluster is the engine's working copy of one cluster.
type Cluster struct {
	ID              string
	Seq             int64 // creation order; persisted clusters keep their stored seq
	RootReferenceID string
	RootPhotoUID    string
	RootEmbedding   []float32
	RootRect        facematch.NormalizedRect
	Contact         facematch.Contact

	// MemberCount is the number of persisted memberships, root included.
	MemberCount int
	// Hits counts provisional Pass 1 matches that are not persisted yet.
	Hits int
	// Persisted is false until the root has been flushed to the store.
	Persisted bool
}

// EffectiveCount is the member count used for pruning. A cluster that has not been
// flushed yet still counts its root.
func (c *Cluster) EffectiveCount() int {
	base := c.MemberCount
	if !c.Persisted && base == 0 {
		base = 1
	}
	return base + c.Hits
}

func fromStored(s *database.StoredCluster) *Cluster {
	c := &Cluster{
		ID:              s.ID,
		Seq:             s.Seq,
		RootReferenceID: s.RootReferenceID,
		RootPhotoUID:    s.RootPhotoUID,
		RootEmbedding:   s.RootEmbedding,
		RootRect:        s.RootRect,
		MemberCount:     s.MemberCount,
		Persisted:       true,
	}
	if s.HasContact() {
		c.Contact = facematch.Contact{Key: s.ContactKey, Name: s.ContactName, Synthesized: s.Synthesized}
	}
	return c
}

func (c *Cluster) toStored() *database.StoredCluster {
	return &database.StoredCluster{
		ID:              c.ID,
		Seq:             c.Seq,
		RootReferenceID: c.RootReferenceID,
		RootPhotoUID:    c.RootPhotoUID,
		RootEmbedding:   c.RootEmbedding,
		RootRect:        c.RootRect,
		ContactKey:      c.Contact.Key,
		ContactName:     c.Contact.Name,
		Synthesized:     c.Contact.Synthesized,
		MemberCount:     c.MemberCount,
	}
}

// Arena holds clusters indexed by id and remembers creation order.
// It is not safe for concurrent use; the Engine guards it.
type Arena struct {
	byID  map[string]*Cluster
	order []*Cluster
	seq   int64
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{byID: make(map[string]*Cluster)}
}

// Add inserts c. Clusters without a sequence number are numbered after everything seen so far.
func (a *Arena) Add(c *Cluster) {
	if c.Seq == 0 {
		a.seq++
		c.Seq = a.seq
	} else if c.Seq > a.seq {
		a.seq = c.Seq
	}
	a.byID[c.ID] = c
	a.order = append(a.order, c)
}

// Get returns the cluster with id, or nil.
func (a *Arena) Get(id string) *Cluster {
	return a.byID[id]
}

// Delete removes the cluster with id.
func (a *Arena) Delete(id string) {
	if _, ok := a.byID[id]; !ok {
		return
	}
	delete(a.byID, id)
	a.order = slices.DeleteFunc(a.order, func(c *Cluster) bool { return c.ID == id })
}

// Len returns the number of clusters.
func (a *Arena) Len() int {
	return len(a.order)
}

// Nearest returns the cluster whose root is closest to embedding. Clusters are scanned in
// creation order and only a strictly smaller distance replaces the current best.
func (a *Arena) Nearest(embedding []float32) (*Cluster, float64) {
	var best *Cluster
	bestDist := math.Inf(1)
	for _, c := range a.order {
		d := facematch.EuclideanDistance(embedding, c.RootEmbedding)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// Clusters returns the arena's clusters in creation order. The slice is a copy; the
// clusters are shared.
func (a *Arena) Clusters() []*Cluster {
	return slices.Clone(a.order)
}

// PruneCandidates returns clusters ordered by effective count, oldest first on ties.
func (a *Arena) PruneCandidates() []*Cluster {
	out := slices.Clone(a.order)
	slices.SortStableFunc(out, func(x, y *Cluster) int {
		if d := x.EffectiveCount() - y.EffectiveCount(); d != 0 {
			return d
		}
		switch {
		case x.Seq < y.Seq:
			return -1
		case x.Seq > y.Seq:
			return 1
		}
		return 0
	})
	return out
}
