package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// seedClusters stores n clusters with one root member each; cluster i has root embedding
// (i, 0).
func seedClusters(t *testing.T, store *mock.MockStore, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := range n {
		ref := facematch.ReferenceID(fmt.Sprintf("p%d", i), 0)
		c := &database.StoredCluster{
			ID:              fmt.Sprintf("cluster-%d", i),
			RootReferenceID: ref,
			RootPhotoUID:    fmt.Sprintf("p%d", i),
			RootEmbedding:   []float32{float32(i), 0},
			RootRect:        facematch.NormalizedRect{Top: 0.1, Left: 0.1, Right: 0.2, Bottom: 0.2},
		}
		if err := store.SaveCluster(ctx, c); err != nil {
			t.Fatal(err)
		}
		if err := store.AddMember(ctx, database.Membership{ClusterID: c.ID, ReferenceID: ref, PhotoUID: c.RootPhotoUID, Rect: c.RootRect, IsRoot: true}); err != nil {
			t.Fatal(err)
		}
		ids[i] = c.ID
	}
	return ids
}

func TestClustersHandler_List(t *testing.T) {
	store := mock.NewMockStore()
	seedClusters(t, store, 5)
	h := NewClustersHandler(store, nil, "")

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantFirst string
	}{
		{"default page", "", 5, "cluster-0"},
		{"limit", "?limit=2", 2, "cluster-0"},
		{"offset", "?offset=3&limit=10", 2, "cluster-3"},
		{"offset past end", "?offset=50", 0, ""},
		{"malformed limit", "?limit=abc", 5, "cluster-0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			h.List(recorder, httptest.NewRequest("GET", "/api/v1/clusters"+tt.query, nil))
			assertStatusCode(t, recorder, http.StatusOK)

			var result struct {
				Clusters []ClusterResponse `json:"clusters"`
				Total    int               `json:"total"`
			}
			parseJSONResponse(t, recorder, &result)
			if result.Total != 5 || len(result.Clusters) != tt.wantCount {
				t.Fatalf("got %d of %d clusters, want %d of 5", len(result.Clusters), result.Total, tt.wantCount)
			}
			if tt.wantCount > 0 && result.Clusters[0].ID != tt.wantFirst {
				t.Errorf("first cluster = %s, want %s", result.Clusters[0].ID, tt.wantFirst)
			}
		})
	}
}

func TestClustersHandler_ListStoreError(t *testing.T) {
	store := mock.NewMockStore()
	store.ListClustersError = errors.New("connection refused")

	recorder := httptest.NewRecorder()
	NewClustersHandler(store, nil, "").List(recorder, httptest.NewRequest("GET", "/api/v1/clusters", nil))
	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "failed to list clusters")
}

func TestClustersHandler_Get(t *testing.T) {
	store := mock.NewMockStore()
	ids := seedClusters(t, store, 2)
	err := store.AddMember(context.Background(), database.Membership{ClusterID: ids[1], ReferenceID: "p9/0", PhotoUID: "p9"})
	if err != nil {
		t.Fatal(err)
	}
	h := NewClustersHandler(store, nil, "")

	t.Run("found", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/clusters/"+ids[1], nil), map[string]string{"id": ids[1]})
		h.Get(recorder, req)
		assertStatusCode(t, recorder, http.StatusOK)

		var result struct {
			Cluster ClusterResponse  `json:"cluster"`
			Members []MemberResponse `json:"members"`
		}
		parseJSONResponse(t, recorder, &result)
		if result.Cluster.MemberCount != 2 || len(result.Members) != 2 {
			t.Fatalf("unexpected cluster %+v with %d members", result.Cluster, len(result.Members))
		}
		if !result.Members[0].IsRoot || result.Members[1].ReferenceID != "p9/0" {
			t.Errorf("members out of order: %+v", result.Members)
		}
	})

	t.Run("missing", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/clusters/nope", nil), map[string]string{"id": "nope"})
		h.Get(recorder, req)
		assertStatusCode(t, recorder, http.StatusNotFound)
		assertJSONError(t, recorder, "cluster not found")
	})
}

func TestClustersHandler_Similar(t *testing.T) {
	store := mock.NewMockStore()
	ids := seedClusters(t, store, 4)
	h := NewClustersHandler(store, database.NewRootIndex(), "")

	recorder := httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/clusters/"+ids[1]+"/similar?limit=2", nil), map[string]string{"id": ids[1]})
	h.Similar(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)

	var result struct {
		Similar []SimilarResponse `json:"similar"`
	}
	parseJSONResponse(t, recorder, &result)
	if len(result.Similar) != 2 {
		t.Fatalf("got %d similar clusters, want 2", len(result.Similar))
	}
	for _, s := range result.Similar {
		if s.ClusterID == ids[1] {
			t.Error("a cluster must not be similar to itself")
		}
		if s.Distance != 1 {
			t.Errorf("distance to %s = %v, want 1", s.ClusterID, s.Distance)
		}
	}
}

func TestClustersHandler_SimilarDisabled(t *testing.T) {
	recorder := httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/clusters/x/similar", nil), map[string]string{"id": "x"})
	NewClustersHandler(mock.NewMockStore(), nil, "").Similar(recorder, req)
	assertStatusCode(t, recorder, http.StatusServiceUnavailable)
}
