// Package cluster groups unidentified face references into persistent clusters.
//
// A corpus pass runs in two sweeps. DiscoverRoots (Pass 1) picks cluster roots and prunes
// singleton clusters after every album; matches are only counted. FlushRoots commits the
// root set. Assign (Pass 2) persists every accepted match as a membership. The reverse
// index makes both sweeps skip references that already belong to a cluster.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/keylock"
	"github.com/kozaktomas/photo-faces/internal/logging"
)

// ErrInvariant marks a state the engine must never reach. The pass is aborted.
var ErrInvariant = errors.New("cluster invariant violated")

// idNamespace seeds deterministic cluster ids.
var idNamespace = uuid.MustParse("8f0c6a3e-5b1d-4c2a-9e7f-1d2b3c4d5e6f")

// IDForRoot returns the cluster id derived from a root reference.
func IDForRoot(referenceID string) string {
	return uuid.NewSHA1(idNamespace, []byte(referenceID)).String()
}

// Options configure an Engine.
type Options struct {
	Filter         facematch.QualityFilter
	MergeThreshold float64 // exclusive
	MaxClusters    int
	EmbeddingDim   int // 0 skips the length check

	// Locks serializes store writes per record. Share it with every other writer of the
	// same store; nil gets a private locker.
	Locks *keylock.Locker
}

// DiscoverStats summarizes one album of Pass 1.
type DiscoverStats struct {
	Seen    int
	Skipped int // invalid embeddings and low quality
	Known   int // already in the reverse index
	Hits    int
	Created int
	Pruned  int
}

// AssignStats summarizes one album of Pass 2.
type AssignStats struct {
	Seen      int
	Skipped   int
	Known     int
	Assigned  int
	Unmatched int
}

// FlushStats summarizes a FlushRoots call.
type FlushStats struct {
	Saved   int
	Deleted int
}

// Engine owns the in-memory cluster arena and is the only writer of clusters and memberships.
type Engine struct {
	store database.ClusterWriter
	opts  Options
	log   *logging.Entry
	locks *keylock.Locker

	mu           sync.RWMutex
	arena        *Arena
	pendingPrune map[string]bool // persisted clusters pruned during Pass 1
	// references handled in the current sweep; a photo shared by several albums is listed once per album
	claimed map[string]struct{}
}

// NewEngine creates an engine on top of store.
func NewEngine(store database.ClusterWriter, opts Options) *Engine {
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Engine{
		store:        store,
		opts:         opts,
		log:          logging.Component("cluster"),
		locks:        locks,
		arena:        NewArena(),
		pendingPrune: make(map[string]bool),
		claimed:      make(map[string]struct{}),
	}
}

// Load replaces the arena with the clusters currently in the store.
func (e *Engine) Load(ctx context.Context) error {
	stored, err := e.store.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}

	arena := NewArena()
	for i := range stored {
		arena.Add(fromStored(&stored[i]))
	}

	e.mu.Lock()
	e.arena = arena
	e.pendingPrune = make(map[string]bool)
	e.claimed = make(map[string]struct{})
	e.mu.Unlock()

	e.log.WithField("clusters", len(stored)).Debug("Loaded clusters")
	return nil
}

// candidate is a reference that survived validation, quality and reverse index checks.
type candidate struct {
	ref  *facematch.Reference
	rect facematch.NormalizedRect
}

// screen drops invalid, low quality and already clustered references.
func (e *Engine) screen(ctx context.Context, refs []facematch.Reference) ([]candidate, int, int, error) {
	var (
		usable  []candidate
		skipped int
	)
	for i := range refs {
		ref := &refs[i]
		if err := facematch.ValidateEmbedding(ref.Embedding, e.opts.EmbeddingDim); err != nil {
			e.log.WithFields(logging.Fields{"reference": ref.ID, "error": err}).Warn("Skipping reference")
			skipped++
			continue
		}
		if !e.opts.Filter.IsUseful(ref, facematch.PurposeMember) {
			skipped++
			continue
		}
		rect, _ := ref.Rect()
		usable = append(usable, candidate{ref: ref, rect: rect})
	}
	if len(usable) == 0 {
		return nil, skipped, 0, nil
	}

	ids := make([]string, len(usable))
	for i, c := range usable {
		ids[i] = c.ref.ID
	}
	owners, err := e.store.LookupReferences(ctx, ids)
	if err != nil {
		return nil, skipped, 0, fmt.Errorf("lookup references: %w", err)
	}

	fresh := usable[:0]
	for _, c := range usable {
		if _, ok := owners[c.ref.ID]; ok {
			continue
		}
		fresh = append(fresh, c)
	}
	return fresh, skipped, len(usable) - len(fresh), nil
}

// claimLocked reports whether id is seen for the first time in the current sweep.
func (e *Engine) claimLocked(id string) bool {
	if _, ok := e.claimed[id]; ok {
		return false
	}
	e.claimed[id] = struct{}{}
	return true
}

// DiscoverRoots runs Pass 1 over the references of one album and prunes afterwards.
// Nothing is written to the store.
func (e *Engine) DiscoverRoots(ctx context.Context, refs []facematch.Reference) (DiscoverStats, error) {
	stats := DiscoverStats{Seen: len(refs)}
	fresh, skipped, known, err := e.screen(ctx, refs)
	stats.Skipped, stats.Known = skipped, known
	if err != nil {
		return stats, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range fresh {
		if !e.claimLocked(c.ref.ID) {
			stats.Known++
			continue
		}
		nearest, dist := e.arena.Nearest(c.ref.Embedding)
		if nearest != nil && dist < e.opts.MergeThreshold {
			nearest.Hits++
			stats.Hits++
			continue
		}
		if !e.opts.Filter.IsUseful(c.ref, facematch.PurposeRoot) {
			continue
		}

		id := IDForRoot(c.ref.ID)
		if e.arena.Get(id) != nil {
			return stats, fmt.Errorf("%w: cluster %s already exists for unclustered root %s", ErrInvariant, id, c.ref.ID)
		}
		e.arena.Add(&Cluster{
			ID:              id,
			RootReferenceID: c.ref.ID,
			RootPhotoUID:    c.ref.PhotoUID,
			RootEmbedding:   c.ref.Embedding,
			RootRect:        c.rect,
		})
		delete(e.pendingPrune, id)
		stats.Created++
	}

	stats.Pruned = e.pruneLocked()
	return stats, nil
}

// Prune removes singleton clusters, smallest and oldest first, until the arena is back
// under MaxClusters or the smallest cluster has a second member.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pruneLocked()
}

func (e *Engine) pruneLocked() int {
	excess := e.arena.Len() - e.opts.MaxClusters
	if excess <= 0 {
		return 0
	}

	pruned := 0
	for _, c := range e.arena.PruneCandidates() {
		if pruned == excess || c.EffectiveCount() != 1 {
			break
		}
		e.arena.Delete(c.ID)
		if c.Persisted {
			e.pendingPrune[c.ID] = true
		}
		pruned++
	}
	if pruned < excess {
		e.log.WithFields(logging.Fields{
			"clusters": e.arena.Len(),
			"ceiling":  e.opts.MaxClusters,
		}).Warn("Cluster ceiling exceeded by clusters with several members")
	}
	return pruned
}

// FlushRoots commits the Pass 1 root set: pruned persisted clusters are deleted and new
// clusters are saved together with their root membership. Provisional hits are cleared and
// the assignment sweep starts with no claimed references.
func (e *Engine) FlushRoots(ctx context.Context) (FlushStats, error) {
	var stats FlushStats

	e.mu.Lock()
	e.claimed = make(map[string]struct{})
	deletes := make([]string, 0, len(e.pendingPrune))
	for id := range e.pendingPrune {
		deletes = append(deletes, id)
	}
	slices.Sort(deletes)
	var fresh []*Cluster
	for _, c := range e.arena.Clusters() {
		c.Hits = 0
		if !c.Persisted {
			fresh = append(fresh, c)
		}
	}
	e.mu.Unlock()

	for _, id := range deletes {
		if err := e.withLock(id, func() error { return e.store.DeleteCluster(ctx, id) }); err != nil {
			return stats, fmt.Errorf("delete pruned cluster %s: %w", id, err)
		}
		e.mu.Lock()
		delete(e.pendingPrune, id)
		e.mu.Unlock()
		stats.Deleted++
	}

	for _, c := range fresh {
		stored := c.toStored()
		err := e.withLock(c.ID, func() error {
			if err := e.store.SaveCluster(ctx, stored); err != nil {
				return err
			}
			return e.store.AddMember(ctx, database.Membership{
				ClusterID:   c.ID,
				ReferenceID: c.RootReferenceID,
				PhotoUID:    c.RootPhotoUID,
				Rect:        c.RootRect,
				IsRoot:      true,
			})
		})
		if err != nil {
			return stats, e.classify(fmt.Errorf("flush cluster %s: %w", c.ID, err))
		}

		e.mu.Lock()
		c.Seq = stored.Seq
		c.MemberCount = 1
		c.Persisted = true
		e.mu.Unlock()
		stats.Saved++
	}

	e.log.WithFields(logging.Fields{"saved": stats.Saved, "deleted": stats.Deleted}).Info("Flushed cluster roots")
	return stats, nil
}

// Assign runs Pass 2 over the references of one album, persisting every match.
func (e *Engine) Assign(ctx context.Context, refs []facematch.Reference) (AssignStats, error) {
	stats := AssignStats{Seen: len(refs)}
	fresh, skipped, known, err := e.screen(ctx, refs)
	stats.Skipped, stats.Known = skipped, known
	if err != nil {
		return stats, err
	}

	for _, cand := range fresh {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		e.mu.Lock()
		if !e.claimLocked(cand.ref.ID) {
			e.mu.Unlock()
			stats.Known++
			continue
		}
		nearest, dist := e.arena.Nearest(cand.ref.Embedding)
		e.mu.Unlock()
		if nearest == nil || !(dist < e.opts.MergeThreshold) {
			stats.Unmatched++
			continue
		}
		if !nearest.Persisted {
			return stats, fmt.Errorf("%w: cluster %s was not flushed before assignment", ErrInvariant, nearest.ID)
		}

		err := e.withLock(nearest.ID, func() error {
			return e.store.AddMember(ctx, database.Membership{
				ClusterID:   nearest.ID,
				ReferenceID: cand.ref.ID,
				PhotoUID:    cand.ref.PhotoUID,
				Rect:        cand.rect,
			})
		})
		if err != nil {
			// another album holding the same photo may still assign it
			e.mu.Lock()
			delete(e.claimed, cand.ref.ID)
			e.mu.Unlock()
			return stats, e.classify(fmt.Errorf("assign %s to %s: %w", cand.ref.ID, nearest.ID, err))
		}

		e.mu.Lock()
		nearest.MemberCount++
		e.mu.Unlock()
		stats.Assigned++
	}
	return stats, nil
}

// SetContact records a contact on the in-memory cluster after it has been persisted.
func (e *Engine) SetContact(id string, contact facematch.Contact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.arena.Get(id); c != nil {
		c.Contact = contact
	}
}

// Snapshot returns copies of all clusters in creation order. Counts may lag concurrent passes.
func (e *Engine) Snapshot() []Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	clusters := e.arena.Clusters()
	out := make([]Cluster, len(clusters))
	for i, c := range clusters {
		out[i] = *c
	}
	return out
}

// Len returns the number of clusters in the arena.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.arena.Len()
}

func (e *Engine) withLock(key string, fn func() error) error {
	unlock := e.locks.Lock(key)
	defer unlock()
	return fn()
}

// classify turns a membership conflict into an invariant violation.
func (e *Engine) classify(err error) error {
	if errors.Is(err, database.ErrMembershipConflict) {
		e.log.WithField("error", err).Error("Reverse index disagrees with cluster assignment")
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return err
}
