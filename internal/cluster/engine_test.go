package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/facematch"
)

func testOptions() Options {
	return Options{
		Filter: facematch.QualityFilter{
			Member: facematch.Thresholds{MinDetScore: 0.5, MinSizePx: 30, MaxRollYaw: 45, MaxPitch: 22.5},
			Root:   facematch.Thresholds{MinDetScore: 0.8, MinSizePx: 60, MaxRollYaw: 30, MaxPitch: 15},
		},
		MergeThreshold: 0.5,
		MaxClusters:    100,
		EmbeddingDim:   2,
	}
}

// rootRef passes root quality.
func rootRef(photoUID string, idx int, emb ...float32) facematch.Reference {
	return facematch.Reference{
		ID:        facematch.ReferenceID(photoUID, idx),
		PhotoUID:  photoUID,
		FaceIndex: idx,
		Embedding: emb,
		DetScore:  0.95,
		Box:       facematch.Box{X1: 100, Y1: 100, X2: 200, Y2: 200, ImageWidth: 1000, ImageHeight: 1000, Orientation: 1},
	}
}

// memberRef passes member quality only.
func memberRef(photoUID string, idx int, emb ...float32) facematch.Reference {
	ref := rootRef(photoUID, idx, emb...)
	ref.DetScore = 0.6
	return ref
}

// runPass drives both sweeps over albums the way the sorter does.
func runPass(t *testing.T, e *Engine, albums ...[]facematch.Reference) {
	t.Helper()
	ctx := context.Background()
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	for _, refs := range albums {
		if _, err := e.DiscoverRoots(ctx, refs); err != nil {
			t.Fatalf("DiscoverRoots() error: %v", err)
		}
	}
	if _, err := e.FlushRoots(ctx); err != nil {
		t.Fatalf("FlushRoots() error: %v", err)
	}
	for _, refs := range albums {
		if _, err := e.Assign(ctx, refs); err != nil {
			t.Fatalf("Assign() error: %v", err)
		}
	}
}

func TestIdenticalEmbeddingsJoinOneCluster(t *testing.T) {
	store := mock.NewMockStore()
	e := NewEngine(store, testOptions())
	ctx := context.Background()

	album := []facematch.Reference{rootRef("p1", 0, 0.1, 0.2), rootRef("p2", 0, 0.1, 0.2)}
	stats, err := e.DiscoverRoots(ctx, album)
	if err != nil {
		t.Fatalf("DiscoverRoots() error: %v", err)
	}
	if stats.Created != 1 || stats.Hits != 1 {
		t.Fatalf("stats = %+v, want 1 created and 1 hit", stats)
	}

	flushed, err := e.FlushRoots(ctx)
	if err != nil || flushed.Saved != 1 {
		t.Fatalf("FlushRoots() = %+v, %v", flushed, err)
	}

	assigned, err := e.Assign(ctx, album)
	if err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	if assigned.Assigned != 1 || assigned.Known != 1 {
		t.Errorf("assign stats = %+v, want 1 assigned and the root known", assigned)
	}

	clusters, _ := store.ListClusters(ctx)
	if len(clusters) != 1 {
		t.Fatalf("Expected 1 cluster, got %d", len(clusters))
	}
	if clusters[0].ID != IDForRoot("p1/0") || clusters[0].MemberCount != 2 {
		t.Errorf("Unexpected cluster %+v", clusters[0])
	}
	members, _ := store.ListMembers(ctx, clusters[0].ID)
	if len(members) != 2 || !members[0].IsRoot || members[1].ReferenceID != "p2/0" {
		t.Errorf("Unexpected members %+v", members)
	}
}

func TestMergeThresholdIsExclusive(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		clusters  int
	}{
		{"distance equal to threshold stays apart", 0.5, 2},
		{"distance just under threshold merges", 0.5000001, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.MergeThreshold = tt.threshold
			e := NewEngine(mock.NewMockStore(), opts)

			// 0 and 0.5 are exact in float32, the distance is exactly 0.5.
			refs := []facematch.Reference{rootRef("p1", 0, 0, 0), rootRef("p2", 0, 0.5, 0)}
			if _, err := e.DiscoverRoots(context.Background(), refs); err != nil {
				t.Fatalf("DiscoverRoots() error: %v", err)
			}
			if e.Len() != tt.clusters {
				t.Errorf("clusters = %d, want %d", e.Len(), tt.clusters)
			}
		})
	}
}

func TestMemberQualityNeverBecomesRoot(t *testing.T) {
	store := mock.NewMockStore()
	e := NewEngine(store, testOptions())
	ctx := context.Background()

	stats, err := e.DiscoverRoots(ctx, []facematch.Reference{memberRef("p1", 0, 0.1, 0.1)})
	if err != nil {
		t.Fatalf("DiscoverRoots() error: %v", err)
	}
	if stats.Created != 0 || e.Len() != 0 {
		t.Errorf("Expected no cluster from a member-quality reference, got %+v", stats)
	}

	// Once a root exists, the weaker reference can join it.
	album := []facematch.Reference{rootRef("p2", 0, 0.1, 0.15), memberRef("p1", 0, 0.1, 0.1)}
	runPass(t, e, album)
	clusters, _ := store.ListClusters(ctx)
	if len(clusters) != 1 || clusters[0].MemberCount != 2 {
		t.Errorf("Unexpected clusters %+v", clusters)
	}
}

func TestInputDefectsAreSkipped(t *testing.T) {
	e := NewEngine(mock.NewMockStore(), testOptions())
	refs := []facematch.Reference{
		rootRef("p1", 0, float32(math.NaN()), 0),
		rootRef("p1", 1, 0.1, 0.2, 0.3),
		rootRef("p1", 2),
		rootRef("p1", 3, 0.1, 0.2),
	}
	stats, err := e.DiscoverRoots(context.Background(), refs)
	if err != nil {
		t.Fatalf("DiscoverRoots() error: %v", err)
	}
	if stats.Skipped != 3 || stats.Created != 1 {
		t.Errorf("stats = %+v, want 3 skipped and 1 created", stats)
	}
}

func TestPruneRemovesOldestSingletons(t *testing.T) {
	opts := testOptions()
	opts.MaxClusters = 1
	e := NewEngine(mock.NewMockStore(), opts)
	ctx := context.Background()

	if _, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("a", 0, 0, 0)}); err != nil {
		t.Fatal(err)
	}
	stats, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("b", 0, 5, 5)})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1", stats.Pruned)
	}
	snap := e.Snapshot()
	if len(snap) != 1 || snap[0].RootReferenceID != "b/0" {
		t.Fatalf("Expected newest singleton to survive, got %+v", snap)
	}

	// b grows a second member; a new singleton is now the one to go.
	if _, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("c", 0, 5, 5.1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("d", 0, -5, -5)}); err != nil {
		t.Fatal(err)
	}
	snap = e.Snapshot()
	if len(snap) != 1 || snap[0].RootReferenceID != "b/0" || snap[0].EffectiveCount() != 2 {
		t.Errorf("Expected b with two members to survive, got %+v", snap)
	}
}

func TestPruneKeepsMultiMemberClusters(t *testing.T) {
	opts := testOptions()
	opts.MaxClusters = 1
	e := NewEngine(mock.NewMockStore(), opts)

	album := []facematch.Reference{
		rootRef("a", 0, 0, 0), rootRef("a", 1, 0, 0.1),
		rootRef("b", 0, 5, 5), rootRef("b", 1, 5, 5.1),
	}
	stats, err := e.DiscoverRoots(context.Background(), album)
	if err != nil {
		t.Fatalf("DiscoverRoots() error: %v", err)
	}
	if stats.Pruned != 0 || e.Len() != 2 {
		t.Errorf("Expected both two-member clusters to stay above the ceiling, got %d (pruned %d)", e.Len(), stats.Pruned)
	}
	for _, c := range e.Snapshot() {
		if c.EffectiveCount() < 2 {
			t.Errorf("cluster %s has %d members", c.ID, c.EffectiveCount())
		}
	}
}

func TestFlushDeletesPrunedPersistedCluster(t *testing.T) {
	store := mock.NewMockStore()
	ctx := context.Background()

	first := NewEngine(store, testOptions())
	runPass(t, first, []facematch.Reference{rootRef("a", 0, 0, 0)})
	oldID := IDForRoot("a/0")

	opts := testOptions()
	opts.MaxClusters = 1
	e := NewEngine(store, opts)
	if err := e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("b", 0, 5, 5)}); err != nil {
		t.Fatal(err)
	}
	// Nothing is deleted before the explicit flush.
	if len(store.DeleteClusterCalls) != 0 {
		t.Fatalf("DeleteCluster called during Pass 1: %v", store.DeleteClusterCalls)
	}

	stats, err := e.FlushRoots(ctx)
	if err != nil {
		t.Fatalf("FlushRoots() error: %v", err)
	}
	if stats.Deleted != 1 || stats.Saved != 1 {
		t.Errorf("stats = %+v, want 1 deleted and 1 saved", stats)
	}
	if c, _ := store.GetCluster(ctx, oldID); c != nil {
		t.Error("Expected pruned cluster to be deleted")
	}
	if _, ok, _ := store.LookupReference(ctx, "a/0"); ok {
		t.Error("Expected pruned root to leave the reverse index")
	}
}

func TestRepeatedPassIsIdempotent(t *testing.T) {
	store := mock.NewMockStore()
	ctx := context.Background()
	albums := [][]facematch.Reference{
		{rootRef("p1", 0, 0, 0), rootRef("p1", 1, 3, 3)},
		{rootRef("p2", 0, 0.05, 0), memberRef("p2", 1, 3, 3.1), rootRef("p2", 2, -3, 3)},
	}

	runPass(t, NewEngine(store, testOptions()), albums...)
	before, _ := store.ListClusters(ctx)
	owners := make(map[string]string)
	for _, c := range before {
		members, _ := store.ListMembers(ctx, c.ID)
		for _, m := range members {
			owners[m.ReferenceID] = c.ID
		}
	}
	calls := len(store.AddMemberCalls)

	runPass(t, NewEngine(store, testOptions()), albums...)
	after, _ := store.ListClusters(ctx)
	if len(after) != len(before) {
		t.Fatalf("cluster count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID || after[i].MemberCount != before[i].MemberCount {
			t.Errorf("cluster %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	if len(store.AddMemberCalls) != calls {
		t.Errorf("second pass wrote %d memberships", len(store.AddMemberCalls)-calls)
	}
	for ref, id := range owners {
		if got, _, _ := store.LookupReference(ctx, ref); got != id {
			t.Errorf("%s moved from %s to %s", ref, id, got)
		}
	}
}

func TestMemberCountsGrowAcrossPasses(t *testing.T) {
	store := mock.NewMockStore()
	ctx := context.Background()

	runPass(t, NewEngine(store, testOptions()), []facematch.Reference{rootRef("p1", 0, 0, 0)})
	id := IDForRoot("p1/0")
	c, _ := store.GetCluster(ctx, id)
	if c.MemberCount != 1 {
		t.Fatalf("MemberCount = %d, want 1", c.MemberCount)
	}

	e := NewEngine(store, testOptions())
	runPass(t, e, []facematch.Reference{memberRef("p2", 0, 0.1, 0)}, []facematch.Reference{memberRef("p3", 0, 0, 0.1)})
	c, _ = store.GetCluster(ctx, id)
	if c.MemberCount != 3 {
		t.Errorf("MemberCount = %d, want 3", c.MemberCount)
	}
	if snap := e.Snapshot(); len(snap) != 1 || snap[0].MemberCount != 3 || snap[0].Hits != 0 {
		t.Errorf("Unexpected in-memory cluster %+v", snap)
	}
}

func TestUnmatchedReferencesStayUnclustered(t *testing.T) {
	store := mock.NewMockStore()
	e := NewEngine(store, testOptions())
	runPass(t, e, []facematch.Reference{rootRef("p1", 0, 0, 0), memberRef("p2", 0, 4, 4)})

	if _, ok, _ := store.LookupReference(context.Background(), "p2/0"); ok {
		t.Error("Expected far member-quality reference to stay unclustered")
	}
}

// staleIndex hides reverse index entries from the batch lookup.
type staleIndex struct {
	*mock.MockStore
}

func (s staleIndex) LookupReferences(ctx context.Context, ids []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func TestMembershipConflictAbortsPass(t *testing.T) {
	store := mock.NewMockStore()
	ctx := context.Background()
	runPass(t, NewEngine(store, testOptions()), []facematch.Reference{rootRef("x", 0, 0, 0), rootRef("y", 0, 1, 0)})

	// p1/0 is recorded in x's cluster but sits next to y's root.
	if err := store.AddMember(ctx, database.Membership{ClusterID: IDForRoot("x/0"), ReferenceID: "p1/0", PhotoUID: "p1"}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(staleIndex{store}, testOptions())
	if err := e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := e.Assign(ctx, []facematch.Reference{memberRef("p1", 0, 0.95, 0)})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("Assign() error = %v, want ErrInvariant", err)
	}
	if !errors.Is(err, database.ErrMembershipConflict) {
		t.Errorf("Expected the conflict to stay visible, got %v", err)
	}
	if owner, _, _ := store.LookupReference(ctx, "p1/0"); owner != IDForRoot("x/0") {
		t.Errorf("reference moved to %s", owner)
	}
}

func TestStoreFailuresAreNotInvariants(t *testing.T) {
	store := mock.NewMockStore()
	store.LookupError = errors.New("store unavailable")
	e := NewEngine(store, testOptions())

	_, err := e.DiscoverRoots(context.Background(), []facematch.Reference{rootRef("p1", 0, 0, 0)})
	if err == nil || errors.Is(err, ErrInvariant) {
		t.Errorf("DiscoverRoots() error = %v, want plain store error", err)
	}
	if e.Len() != 0 {
		t.Error("Expected no clusters after a failed lookup")
	}
}

func TestAssignRequiresFlush(t *testing.T) {
	e := NewEngine(mock.NewMockStore(), testOptions())
	ctx := context.Background()
	if _, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("p1", 0, 0, 0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Assign(ctx, []facematch.Reference{memberRef("p2", 0, 0, 0.1)}); !errors.Is(err, ErrInvariant) {
		t.Errorf("Assign() before FlushRoots error = %v, want ErrInvariant", err)
	}
}

func TestConcurrentAlbums(t *testing.T) {
	store := mock.NewMockStore()
	e := NewEngine(store, testOptions())
	ctx := context.Background()

	albums := make([][]facematch.Reference, 8)
	for i := range albums {
		for j := range 5 {
			albums[i] = append(albums[i], rootRef(fmt.Sprintf("p%d", i), j, float32(j)*2, 0))
		}
	}

	var wg sync.WaitGroup
	for _, refs := range albums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.DiscoverRoots(ctx, refs); err != nil {
				t.Errorf("DiscoverRoots() error: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := e.FlushRoots(ctx); err != nil {
		t.Fatal(err)
	}
	for _, refs := range albums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Assign(ctx, refs); err != nil {
				t.Errorf("Assign() error: %v", err)
			}
		}()
	}
	wg.Wait()

	clusters, _ := store.ListClusters(ctx)
	if len(clusters) != 5 {
		t.Fatalf("Expected 5 clusters, got %d", len(clusters))
	}
	for _, c := range clusters {
		if c.MemberCount != 8 {
			t.Errorf("cluster %s has %d members, want 8", c.ID, c.MemberCount)
		}
	}
}

func TestSharedPhotoRootStaysPrunable(t *testing.T) {
	opts := testOptions()
	opts.MaxClusters = 1
	e := NewEngine(mock.NewMockStore(), opts)
	ctx := context.Background()

	// the same photo listed by two albums
	shared := []facematch.Reference{rootRef("a", 0, 0, 0)}
	if _, err := e.DiscoverRoots(ctx, shared); err != nil {
		t.Fatal(err)
	}
	stats, err := e.DiscoverRoots(ctx, shared)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Known != 1 || stats.Hits != 0 {
		t.Fatalf("stats = %+v, want the repeat counted as known", stats)
	}
	if snap := e.Snapshot(); len(snap) != 1 || snap[0].EffectiveCount() != 1 {
		t.Fatalf("Expected one singleton, got %+v", snap)
	}

	stats, err = e.DiscoverRoots(ctx, []facematch.Reference{rootRef("b", 0, 5, 5)})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pruned != 1 || e.Len() != 1 {
		t.Errorf("Expected the repeated singleton to be pruned, got %d clusters (pruned %d)", e.Len(), stats.Pruned)
	}
}

func TestSharedPhotosAssignedOnce(t *testing.T) {
	store := mock.NewMockStore()
	e := NewEngine(store, testOptions())
	ctx := context.Background()

	if err := e.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.DiscoverRoots(ctx, []facematch.Reference{rootRef("root", 0, 0, 0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.FlushRoots(ctx); err != nil {
		t.Fatal(err)
	}

	// every album lists the same three member photos
	shared := []facematch.Reference{
		memberRef("m1", 0, 0, 0.1), memberRef("m2", 0, 0.1, 0), memberRef("m3", 0, 0.1, 0.1),
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned int
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := e.Assign(ctx, shared)
			if err != nil {
				t.Errorf("Assign() error: %v", err)
				return
			}
			mu.Lock()
			assigned += stats.Assigned
			mu.Unlock()
		}()
	}
	wg.Wait()

	if assigned != len(shared) {
		t.Errorf("assigned = %d, want %d", assigned, len(shared))
	}
	clusters, _ := store.ListClusters(ctx)
	if len(clusters) != 1 {
		t.Fatalf("Expected 1 cluster, got %d", len(clusters))
	}
	members, _ := store.ListMembers(ctx, clusters[0].ID)
	if clusters[0].MemberCount != len(members) || len(members) != 4 {
		t.Errorf("MemberCount = %d, members = %d, want 4", clusters[0].MemberCount, len(members))
	}
	if snap := e.Snapshot(); snap[0].MemberCount != len(members) {
		t.Errorf("in-memory MemberCount = %d, want %d", snap[0].MemberCount, len(members))
	}
}
