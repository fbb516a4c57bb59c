package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/photo-faces/internal/cluster"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/corpus"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mariadb"
	"github.com/kozaktomas/photo-faces/internal/database/postgres"
	"github.com/kozaktomas/photo-faces/internal/database/sqlite"
	"github.com/kozaktomas/photo-faces/internal/facehash"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/kozaktomas/photo-faces/internal/keylock"
	"github.com/kozaktomas/photo-faces/internal/logging"
	"github.com/kozaktomas/photo-faces/internal/photoprism"
	"github.com/kozaktomas/photo-faces/internal/sorter"
)

// openStore initializes PostgreSQL when DATABASE_URL is set and SQLite otherwise.
// The returned func closes the backend.
func openStore(cfg *config.Config) (database.Store, func(), error) {
	if cfg.Database.URL != "" {
		if err := postgres.Initialize(&cfg.Database); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		store, err := database.GetStore(context.Background())
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = postgres.GetGlobalPool().Close() }, nil
	}

	if cfg.Database.SQLitePath == "" {
		return nil, nil, errors.New("DATABASE_URL or SQLITE_PATH is required")
	}
	store, err := sqlite.Initialize(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// connectPhotoPrism opens an authenticated PhotoPrism session.
func connectPhotoPrism(ctx context.Context, cfg *config.Config) (*photoprism.PhotoPrism, error) {
	if cfg.PhotoPrism.URL == "" {
		return nil, errors.New("PHOTOPRISM_URL environment variable is required")
	}
	pp, err := photoprism.NewPhotoPrism(ctx, cfg.PhotoPrism.URL, cfg.PhotoPrism.Username, cfg.PhotoPrism.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PhotoPrism: %w", err)
	}
	return pp, nil
}

// pipeline is everything a clustering pass needs, built once per process.
type pipeline struct {
	store   database.Store
	pp      *photoprism.PhotoPrism
	markers *mariadb.Pool
	io      *semaphore.Weighted
	sorter  *sorter.Sorter
	closers []func()
}

// Close releases the connections in reverse order of acquisition.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// newPipeline connects to every backend and wires the engine, propagator and sorter.
func newPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.Component("cmd")
	p := &pipeline{io: semaphore.NewWeighted(int64(cfg.Clustering.IOConcurrency))}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	p.store = store
	p.closers = append(p.closers, closeStore)

	pp, err := connectPhotoPrism(ctx, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.pp = pp
	p.closers = append(p.closers, func() { _ = pp.Logout(context.Background()) })

	opts := []corpus.SourceOption{corpus.WithIOLimit(p.io)}
	if cfg.PhotoPrism.DatabaseURL != "" {
		markers, err := mariadb.NewPool(cfg.PhotoPrism.DatabaseURL)
		if err != nil {
			// the API still serves markers, only slower
			log.WithField("error", err).Warn("PhotoPrism database unavailable, reading labels through the API")
		} else {
			p.markers = markers
			p.closers = append(p.closers, func() { _ = markers.Close() })
			opts = append(opts, corpus.WithMarkerReader(markers))
		}
	}
	source := corpus.NewPhotoPrismSource(pp, store, opts...)

	engine, propagator, err := newClusterer(cfg, store)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.sorter = sorter.New(source, engine, propagator)
	return p, nil
}

// newClusterer builds the engine and propagator on a shared key lock.
func newClusterer(cfg *config.Config, store database.Store) (*cluster.Engine, *identity.Propagator, error) {
	locks := keylock.New()
	cl := cfg.Clustering

	engine := cluster.NewEngine(store, cluster.Options{
		Filter: facematch.QualityFilter{
			Root:   thresholds(cfg.Quality.Root),
			Member: thresholds(cfg.Quality.Member),
		},
		MergeThreshold: cl.MergeThreshold,
		MaxClusters:    cl.MaxClusters,
		EmbeddingDim:   cl.EmbeddingDim,
		Locks:          locks,
	})

	h := cfg.Hash
	hasher, err := facehash.NewHasher(h.Bits, h.Min, h.Max, cl.EmbeddingDim)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid hash settings: %w", err)
	}
	// without a configured dimension the ceiling follows each embedding
	var ceiling *big.Int
	if cl.EmbeddingDim > 0 {
		ceiling = facehash.Ceiling(cl.EmbeddingDim, h.Bits, h.SharedPlanes)
	}
	propagator := identity.NewPropagator(store, identity.Options{
		StrategyTag:    cl.StrategyTag,
		MergeThreshold: cl.MergeThreshold,
		Hasher:         hasher,
		Ceiling:        ceiling,
		SharedPlanes:   h.SharedPlanes,
		Concurrency:    cl.AlbumConcurrency,
		Locks:          locks,
	})
	return engine, propagator, nil
}

func thresholds(t config.QualityThresholds) facematch.Thresholds {
	return facematch.Thresholds{
		MinDetScore: t.MinDetScore,
		MinSizePx:   t.MinSizePx,
		MaxRollYaw:  t.MaxRollYaw,
		MaxPitch:    t.MaxPitch,
	}
}

// runOptions returns the pass options from the configuration.
func runOptions(cfg *config.Config) sorter.RunOptions {
	return sorter.RunOptions{
		AlbumConcurrency: cfg.Clustering.AlbumConcurrency,
		LockPath:         cfg.Clustering.LockPath,
	}
}

// rootIndex returns the shared root index, registering one on first use.
func rootIndex() *database.RootIndex {
	if idx := database.GetRootIndex(); idx != nil {
		return idx
	}
	idx := database.NewRootIndex()
	database.RegisterRootIndex(idx)
	return idx
}
