// Package sorter runs a full corpus pass: root discovery over every album, a commit of
// the root set, assignment over every album and finally identity propagation.
package sorter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/photo-faces/internal/cluster"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/corpus"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/kozaktomas/photo-faces/internal/logging"
)

// ErrRunInProgress is returned when another pass holds the run lock.
var ErrRunInProgress = errors.New("a clustering pass is already running")

type Sorter struct {
	source     corpus.Source
	engine     *cluster.Engine
	propagator *identity.Propagator
	log        *logging.Entry

	running  sync.Mutex
	mu       sync.RWMutex
	progress ProgressInfo
	last     *RunResult
}

// ProgressInfo contains progress information for callbacks
type ProgressInfo struct {
	Phase   string `json:"phase"` // "discover", "assign", "propagate"
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Album   string `json:"album,omitempty"`
	Running bool   `json:"running"`
}

type RunOptions struct {
	AlbumConcurrency int
	LockPath         string             // file lock shared with other processes; empty disables it
	OnProgress       func(ProgressInfo) // optional, called from worker goroutines
}

type RunResult struct {
	AlbumsTotal         int           `json:"albums_total"`
	AlbumsFailed        int           `json:"albums_failed"`
	AlbumsAbsent        int           `json:"albums_absent"` // albums without any processed photo
	ReferencesSeen      int           `json:"references_seen"`
	Skipped             int           `json:"skipped"`
	Known               int           `json:"known"`
	ClustersCreated     int           `json:"clusters_created"`
	ClustersPruned      int           `json:"clusters_pruned"`
	ClustersDeleted     int           `json:"clusters_deleted"`
	MembersAssigned     int           `json:"members_assigned"`
	Unmatched           int           `json:"unmatched"`
	ContactsAttached    int           `json:"contacts_attached"`
	ContactsSynthesized int           `json:"contacts_synthesized"`
	Annotations         int           `json:"annotations"`
	PropagationFailures int           `json:"propagation_failures"`
	FailedAlbums        []string      `json:"failed_albums,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration_ns"`
}

func New(source corpus.Source, engine *cluster.Engine, propagator *identity.Propagator) *Sorter {
	return &Sorter{
		source:     source,
		engine:     engine,
		propagator: propagator,
		log:        logging.Component("sorter"),
	}
}

// Progress returns the state of the current or last pass. Counts are eventually consistent.
func (s *Sorter) Progress() ProgressInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// LastResult returns the result of the last finished pass, or nil.
func (s *Sorter) LastResult() *RunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Clusters returns the clusters known to the engine.
func (s *Sorter) Clusters() []cluster.Cluster {
	return s.engine.Snapshot()
}

// passState is shared by the album workers of one pass.
type passState struct {
	mu         sync.Mutex
	result     *RunResult
	failed     map[string]bool
	identified []facematch.IdentifiedContact
	labels     map[labelKey]bool
	done       int
}

// labelKey identifies one label on one photo, whichever album listed it.
type labelKey struct {
	photoUID string
	rect     facematch.NormalizedRect
	contact  string
}

// addIdentified keeps the first copy of every label. Callers hold p.mu.
func (p *passState) addIdentified(contacts []facematch.IdentifiedContact) {
	for _, c := range contacts {
		k := labelKey{photoUID: c.PhotoUID, rect: c.Rect, contact: c.Contact.Key}
		if p.labels[k] {
			continue
		}
		p.labels[k] = true
		p.identified = append(p.identified, c)
	}
}

func (p *passState) fail(albumUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.failed[albumUID] {
		p.failed[albumUID] = true
		p.result.FailedAlbums = append(p.result.FailedAlbums, albumUID)
	}
}

func (p *passState) isFailed(albumUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed[albumUID]
}

// Run executes one full corpus pass. Per-album failures are recorded and the album is
// skipped for the rest of the pass; an invariant violation or cancellation aborts it.
func (s *Sorter) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()

	if opts.LockPath != "" {
		lock := flock.New(opts.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !locked {
			return nil, ErrRunInProgress
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				s.log.WithField("error", err).Warn("Failed to release run lock")
			}
		}()
	}
	if opts.AlbumConcurrency <= 0 {
		opts.AlbumConcurrency = constants.DefaultAlbumConcurrency
	}

	state := &passState{
		result: &RunResult{StartedAt: time.Now()},
		failed: make(map[string]bool),
		labels: make(map[labelKey]bool),
	}
	result := state.result
	defer func() {
		result.Duration = time.Since(result.StartedAt)
		result.AlbumsFailed = len(result.FailedAlbums)
		slices.Sort(result.FailedAlbums)
		s.mu.Lock()
		s.progress.Running = false
		s.last = result
		s.mu.Unlock()
	}()

	if err := s.engine.Load(ctx); err != nil {
		return result, err
	}
	albums, err := s.source.ListAlbums(ctx)
	if err != nil {
		return result, err
	}
	result.AlbumsTotal = len(albums)
	s.log.WithField("albums", len(albums)).Info("Starting clustering pass")

	if err := s.sweep(ctx, constants.PhaseDiscover, albums, state, opts, s.discoverAlbum); err != nil {
		return result, err
	}

	// Pass 2 needs the final root set.
	flushed, err := s.engine.FlushRoots(ctx)
	if err != nil {
		return result, fmt.Errorf("commit roots: %w", err)
	}
	result.ClustersDeleted = flushed.Deleted

	if err := s.sweep(ctx, constants.PhaseAssign, albums, state, opts, s.assignAlbum); err != nil {
		return result, err
	}

	clusters := s.engine.Snapshot()
	s.report(opts, ProgressInfo{Phase: constants.PhasePropagate, Total: len(clusters), Running: true})
	propagated, err := s.propagator.Propagate(ctx, clusters, state.identified)
	if propagated != nil {
		for id, contact := range propagated.Contacts {
			s.engine.SetContact(id, contact)
		}
		result.ContactsAttached = propagated.Attached
		result.ContactsSynthesized = propagated.Synthesized
		result.Annotations = propagated.Annotations
		result.PropagationFailures = propagated.Failures
	}
	if err != nil {
		return result, err
	}
	s.report(opts, ProgressInfo{Phase: constants.PhasePropagate, Current: len(clusters), Total: len(clusters), Running: true})

	s.log.WithFields(logging.Fields{
		"albums":      result.AlbumsTotal,
		"failed":      len(result.FailedAlbums),
		"created":     result.ClustersCreated,
		"pruned":      result.ClustersPruned,
		"assigned":    result.MembersAssigned,
		"attached":    result.ContactsAttached,
		"synthesized": result.ContactsSynthesized,
	}).Info("Clustering pass complete")
	return result, nil
}

type albumFunc func(ctx context.Context, album corpus.Album, state *passState) error

// sweep runs fn over every album that has not failed yet, bounded by the album pool. It
// returns once all workers have drained.
func (s *Sorter) sweep(ctx context.Context, phase string, albums []corpus.Album, state *passState, opts RunOptions, fn albumFunc) error {
	state.mu.Lock()
	state.done = 0
	state.mu.Unlock()
	s.report(opts, ProgressInfo{Phase: phase, Total: len(albums), Running: true})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.AlbumConcurrency)
	for _, album := range albums {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !state.isFailed(album.UID) {
				err := fn(gctx, album, state)
				switch {
				case errors.Is(err, cluster.ErrInvariant):
					s.log.WithFields(logging.Fields{"album": album.UID, "phase": phase, "error": err}).Error("Aborting pass")
					return err
				case err != nil && gctx.Err() != nil:
					return gctx.Err()
				case err != nil:
					s.log.WithFields(logging.Fields{"album": album.UID, "phase": phase, "error": err}).Error("Skipping album")
					state.fail(album.UID)
				}
			}

			// reported under the lock so Current never goes backwards
			state.mu.Lock()
			defer state.mu.Unlock()
			state.done++
			s.report(opts, ProgressInfo{Phase: phase, Current: state.done, Total: len(albums), Album: album.UID, Running: true})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Sorter) discoverAlbum(ctx context.Context, album corpus.Album, state *passState) error {
	refs, present, err := s.source.ListReferences(ctx, album.UID)
	if err != nil {
		return err
	}
	if !present {
		state.mu.Lock()
		state.result.AlbumsAbsent++
		state.mu.Unlock()
		return nil
	}
	contacts, err := s.source.ListIdentifiedContacts(ctx, album.UID)
	if err != nil {
		return err
	}
	s.propagator.Bind(refs, contacts)

	stats, err := s.engine.DiscoverRoots(ctx, refs)
	if err != nil {
		return fmt.Errorf("discover album %s: %w", album.UID, err)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.addIdentified(contacts)
	r := state.result
	r.ReferencesSeen += stats.Seen
	r.Skipped += stats.Skipped
	r.Known += stats.Known
	r.ClustersCreated += stats.Created
	r.ClustersPruned += stats.Pruned
	return nil
}

func (s *Sorter) assignAlbum(ctx context.Context, album corpus.Album, state *passState) error {
	refs, present, err := s.source.ListReferences(ctx, album.UID)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	stats, err := s.engine.Assign(ctx, refs)
	state.mu.Lock()
	state.result.MembersAssigned += stats.Assigned
	state.result.Unmatched += stats.Unmatched
	state.mu.Unlock()
	if err != nil {
		return fmt.Errorf("assign album %s: %w", album.UID, err)
	}
	return nil
}

func (s *Sorter) report(opts RunOptions, info ProgressInfo) {
	s.mu.Lock()
	s.progress = info
	s.mu.Unlock()
	if opts.OnProgress != nil {
		opts.OnProgress(info)
	}
}
