// Package identity attaches contacts to clusters and annotates their members.
//
// A cluster whose root overlaps a hand-labeled rectangle takes that label. Failing that,
// the root is looked up among the hashes of labeled references and accepted only when
// the true embedding distance is below the merge threshold. Every cluster still without
// a contact gets a synthesized placeholder so that it can be named later.
package identity

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/kozaktomas/photo-faces/internal/cluster"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facehash"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/keylock"
	"github.com/kozaktomas/photo-faces/internal/logging"
)

// contactNamespace seeds synthesized contact keys.
var contactNamespace = uuid.MustParse("3b6f1d2e-7a4c-4e8b-b1f0-5c9d8e7a6b54")

// SynthesizeContact returns the placeholder contact of a cluster. The key is stable for a
// given cluster id.
func SynthesizeContact(clusterID string) facematch.Contact {
	short := clusterID
	if len(short) > 8 {
		short = short[:8]
	}
	return facematch.Contact{
		Key:         uuid.NewSHA1(contactNamespace, []byte("cluster:"+clusterID)).String(),
		Name:        "Person " + short,
		Synthesized: true,
	}
}

// Store is what propagation writes to.
type Store interface {
	ListMembers(ctx context.Context, clusterID string) ([]database.Membership, error)
	SetClusterContact(ctx context.Context, clusterID string, contact facematch.Contact) error
	RecordCandidateFace(ctx context.Context, c database.CandidateFace) error
	UpsertContact(ctx context.Context, c database.StoredContact) error
}

// Options configure a Propagator.
type Options struct {
	StrategyTag    string
	MergeThreshold float64
	Hasher         *facehash.Hasher
	SharedPlanes   int
	Concurrency    int
	Locks          *keylock.Locker

	// Ceiling bounds the hash pre-filter. When nil it is derived per cluster from the
	// root embedding length and SharedPlanes.
	Ceiling *big.Int
}

// Result summarizes a Propagate call.
type Result struct {
	Attached    int // clusters that took a user label
	Synthesized int
	Annotations int
	Failures    int
	// Contacts holds the contact of every cluster that has one after the call.
	Contacts map[string]facematch.Contact
}

// Propagator assigns contacts to clusters.
type Propagator struct {
	store Store
	opts  Options
	locks *keylock.Locker
	log   *logging.Entry
}

// NewPropagator creates a propagator writing to store.
func NewPropagator(store Store, opts Options) *Propagator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Propagator{store: store, opts: opts, locks: locks, log: logging.Component("identity")}
}

// Bind ties identified contacts to the detected references they overlap and records the
// reference's embedding and hash on the contact. It returns the number of contacts bound.
func (p *Propagator) Bind(refs []facematch.Reference, contacts []facematch.IdentifiedContact) int {
	bound := 0
	for i := range refs {
		ref := &refs[i]
		owner, ok := facematch.FindOwner(ref, contacts)
		if !ok || owner.ReferenceID != "" {
			continue
		}
		owner.ReferenceID = ref.ID
		owner.Embedding = ref.Embedding
		if p.opts.Hasher != nil {
			if h, err := p.opts.Hasher.Hash(ref.Embedding); err == nil {
				owner.RefHash = h
			} else {
				p.log.WithFields(logging.Fields{"reference": ref.ID, "error": err}).Debug("Cannot hash labeled reference")
			}
		}
		bound++
	}
	return bound
}

// resolution is the outcome for one cluster.
type resolution struct {
	contact  facematch.Contact
	labeled  bool
	changed  bool
	strategy string
}

// index groups identified contacts for the two lookups.
type index struct {
	byPhoto map[string][]facematch.IdentifiedContact
	known   *facehash.KnownSet[*facematch.IdentifiedContact]
}

func (p *Propagator) buildIndex(identified []facematch.IdentifiedContact) *index {
	facematch.DedupeContactKeys(identified)
	idx := &index{
		byPhoto: make(map[string][]facematch.IdentifiedContact),
		known:   facehash.NewKnownSet[*facematch.IdentifiedContact](),
	}
	for i := range identified {
		c := &identified[i]
		idx.byPhoto[c.PhotoUID] = append(idx.byPhoto[c.PhotoUID], *c)
		if c.RefHash != "" && len(c.Embedding) > 0 {
			idx.known.Add(c.RefHash, c)
		}
	}
	idx.known.Sort()
	return idx
}

// resolve picks the contact for a cluster.
func (p *Propagator) resolve(c *cluster.Cluster, idx *index) resolution {
	if owner, ok := facematch.FindOwnerRect(c.RootPhotoUID, c.RootRect, idx.byPhoto[c.RootPhotoUID]); ok {
		return resolution{contact: owner.Contact, labeled: true, changed: owner.Contact != c.Contact, strategy: "proximity"}
	}

	if match := p.nearestLabeled(c, idx); match != nil {
		return resolution{contact: match.Contact, labeled: true, changed: match.Contact != c.Contact, strategy: "hash"}
	}

	if c.Contact.Key != "" {
		return resolution{contact: c.Contact}
	}
	return resolution{contact: SynthesizeContact(c.ID), changed: true}
}

// nearestLabeled uses the sortable hash as a pre-filter and confirms with the real distance.
func (p *Propagator) nearestLabeled(c *cluster.Cluster, idx *index) *facematch.IdentifiedContact {
	if p.opts.Hasher == nil || idx.known.Len() == 0 {
		return nil
	}
	h, err := p.opts.Hasher.Hash(c.RootEmbedding)
	if err != nil {
		return nil
	}
	ceiling := p.opts.Ceiling
	if ceiling == nil {
		ceiling = facehash.Ceiling(len(c.RootEmbedding), p.opts.Hasher.Bits, p.opts.SharedPlanes)
	}
	candidates, ok := idx.known.Nearest(h, ceiling)
	if !ok {
		return nil
	}

	var best *facematch.IdentifiedContact
	bestDist := math.Inf(1)
	for _, cand := range candidates {
		d := facematch.EuclideanDistance(c.RootEmbedding, cand.Embedding)
		if d < p.opts.MergeThreshold && d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}

// Propagate resolves a contact for every cluster, persists changed contacts and writes a
// candidate annotation for every member. Failures are counted per cluster and do not stop
// the other clusters; only cancellation is returned as an error.
func (p *Propagator) Propagate(ctx context.Context, clusters []cluster.Cluster, identified []facematch.IdentifiedContact) (*Result, error) {
	idx := p.buildIndex(identified)
	result := &Result{Contacts: make(map[string]facematch.Contact, len(clusters))}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.opts.Concurrency)
	)

	for i := range clusters {
		if ctx.Err() != nil {
			break
		}
		c := &clusters[i]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res := p.resolve(c, idx)
			annotations, stored, err := p.apply(ctx, c, res)

			mu.Lock()
			defer mu.Unlock()
			result.Annotations += annotations
			if err != nil {
				result.Failures++
				p.log.WithFields(logging.Fields{"cluster": c.ID, "error": err}).Error("Failed to propagate identity")
			}
			if !stored {
				if c.Contact.Key != "" {
					result.Contacts[c.ID] = c.Contact
				}
				return
			}
			result.Contacts[c.ID] = res.contact
			switch {
			case res.changed && res.labeled:
				result.Attached++
			case res.changed:
				result.Synthesized++
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	p.log.WithFields(logging.Fields{
		"clusters":    len(clusters),
		"attached":    result.Attached,
		"synthesized": result.Synthesized,
		"annotations": result.Annotations,
		"failures":    result.Failures,
	}).Info("Identity propagation complete")
	return result, nil
}

// apply persists the resolution for one cluster and annotates its members. stored reports
// whether the cluster's stored contact is the resolved one.
func (p *Propagator) apply(ctx context.Context, c *cluster.Cluster, res resolution) (written int, stored bool, err error) {
	if res.changed {
		if err := p.store.UpsertContact(ctx, database.StoredContact{
			Key:         res.contact.Key,
			Name:        res.contact.Name,
			Synthesized: res.contact.Synthesized,
		}); err != nil {
			return 0, false, fmt.Errorf("upsert contact: %w", err)
		}

		unlock := p.locks.Lock(c.ID)
		err := p.store.SetClusterContact(ctx, c.ID, res.contact)
		unlock()
		if err != nil {
			return 0, false, fmt.Errorf("set cluster contact: %w", err)
		}
		p.log.WithFields(logging.Fields{
			"cluster": c.ID,
			"contact": res.contact.Name,
			"via":     res.strategy,
		}).Debug("Attached contact")
	}

	members, err := p.store.ListMembers(ctx, c.ID)
	if err != nil {
		return 0, true, fmt.Errorf("list members: %w", err)
	}

	for _, m := range members {
		unlock := p.locks.Lock(m.PhotoUID)
		err := p.store.RecordCandidateFace(ctx, database.CandidateFace{
			PhotoUID:    m.PhotoUID,
			ReferenceID: m.ReferenceID,
			Strategy:    p.opts.StrategyTag,
			Rect:        m.Rect,
			ContactKey:  res.contact.Key,
			ContactName: res.contact.Name,
		})
		unlock()
		if err != nil {
			return written, true, fmt.Errorf("annotate %s: %w", m.ReferenceID, err)
		}
		written++
	}
	return written, true, nil
}
