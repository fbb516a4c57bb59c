package photoprism

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sessionJSON = `{
	"id": "sess1",
	"access_token": "token123",
	"config": {"downloadToken": "downloadtoken123", "previewToken": "preview"},
	"user": {"UID": "user1"}
}`

const detailsJSON = `{
	"UID": "p1",
	"Files": [
		{"UID": "f0", "Hash": "sidecar", "Primary": false, "Width": 10, "Height": 10, "Markers": []},
		{"UID": "f1", "Hash": "abc123", "Primary": true, "Width": 4000, "Height": 3000, "Orientation": 6,
		 "Markers": [
			{"UID": "m1", "Type": "face", "Name": "Alice", "SubjUID": "s1", "X": 0.1, "Y": 0.2, "W": 0.1, "H": 0.1},
			{"UID": "m2", "Type": "face", "Invalid": true, "SubjUID": "s2"},
			{"UID": "m3", "Type": "label", "Name": "cat"}
		 ]}
	]
}`

func setupMockServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sessionJSON))
	})

	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/v1/albums", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("type") != "album" {
			http.Error(w, "unexpected type", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`[{"UID":"a1","Title":"Holidays","PhotoCount":2,"Type":"album"}]`))
	})

	mux.HandleFunc("/api/v1/photos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("s") == "a1" && r.URL.Query().Get("offset") == "0" {
			w.Write([]byte(`[{"UID":"p1","Title":"Beach"},{"UID":"p2","Title":"Dinner"}]`))
			return
		}
		w.Write([]byte(`[]`))
	})

	mux.HandleFunc("/api/v1/photos/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(detailsJSON))
	})

	mux.HandleFunc("/api/v1/dl/abc123", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("t") != "downloadtoken123" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xFF, 0xD8, 0xFF})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T) *PhotoPrism {
	t.Helper()
	server := setupMockServer(t)
	pp, err := NewPhotoPrism(context.Background(), server.URL, "test", "test")
	if err != nil {
		t.Fatalf("NewPhotoPrism failed: %v", err)
	}
	return pp
}

func TestAuth(t *testing.T) {
	pp := newTestClient(t)

	if pp.token != "token123" {
		t.Errorf("expected access token 'token123', got '%s'", pp.token)
	}
	if pp.downloadToken != "downloadtoken123" {
		t.Errorf("expected downloadToken 'downloadtoken123', got '%s'", pp.downloadToken)
	}
	if pp.userUID != "user1" {
		t.Errorf("expected user UID 'user1', got '%s'", pp.userUID)
	}
}

func TestAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewPhotoPrism(context.Background(), server.URL, "test", "wrong")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 StatusError, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	pp := newTestClient(t)

	if err := pp.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if pp.token != "" || pp.downloadToken != "" {
		t.Errorf("expected tokens to be cleared, got %q / %q", pp.token, pp.downloadToken)
	}
	// second logout is a no-op
	if err := pp.Logout(context.Background()); err != nil {
		t.Errorf("second Logout failed: %v", err)
	}
}

func TestResolveURL(t *testing.T) {
	pp, err := newClient("http://example.com/")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		segments []string
		want     string
	}{
		{"no segments", nil, "http://example.com/api/v1"},
		{"plain path", []string{"albums/a1"}, "http://example.com/api/v1/albums/a1"},
		{"path with query", []string{"photos?count=10&s=a1"}, "http://example.com/api/v1/photos?count=10&s=a1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pp.resolveURL(tt.segments...); got != tt.want {
				t.Errorf("resolveURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAlbumsAndPhotos(t *testing.T) {
	pp := newTestClient(t)
	ctx := context.Background()

	albums, err := pp.GetAlbums(ctx, 100, 0, "", "album")
	if err != nil {
		t.Fatalf("GetAlbums failed: %v", err)
	}
	if len(albums) != 1 || albums[0].UID != "a1" || albums[0].Title != "Holidays" {
		t.Errorf("unexpected albums %+v", albums)
	}

	photos, err := pp.GetAlbumPhotos(ctx, "a1", 100, 0)
	if err != nil {
		t.Fatalf("GetAlbumPhotos failed: %v", err)
	}
	if len(photos) != 2 || photos[1].UID != "p2" {
		t.Errorf("unexpected photos %+v", photos)
	}

	next, err := pp.GetAlbumPhotos(ctx, "a1", 100, 100)
	if err != nil || len(next) != 0 {
		t.Errorf("expected empty second page, got %d (%v)", len(next), err)
	}
}

func TestGetPhotoDetails(t *testing.T) {
	pp := newTestClient(t)

	details, err := pp.GetPhotoDetails(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPhotoDetails failed: %v", err)
	}
	primary := details.PrimaryFile()
	if primary == nil || primary.UID != "f1" || primary.Orientation != 6 {
		t.Errorf("unexpected primary file %+v", primary)
	}
	if details.Deleted() {
		t.Error("photo should not be deleted")
	}

	empty := &PhotoDetails{}
	if empty.PrimaryFile() != nil {
		t.Error("expected nil primary file for a photo without files")
	}
}

func TestGetPhotoMarkers(t *testing.T) {
	pp := newTestClient(t)

	markers, err := pp.GetPhotoMarkers(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPhotoMarkers failed: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("expected invalid marker to be skipped, got %d markers", len(markers))
	}

	infos := MarkerInfos(markers)
	if infos[0].SubjUID != "s1" || infos[0].X != 0.1 || infos[1].Type != "label" {
		t.Errorf("unexpected marker infos %+v", infos)
	}
}

func TestGetPhotoDownload(t *testing.T) {
	pp := newTestClient(t)

	data, file, err := pp.GetPhotoDownload(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPhotoDownload failed: %v", err)
	}
	if len(data) != 3 || file.Hash != "abc123" || file.Width != 4000 {
		t.Errorf("unexpected download: %d bytes, file %+v", len(data), file)
	}
}

func TestIsNotFoundError(t *testing.T) {
	pp := newTestClient(t)

	_, err := pp.GetPhotoDetails(context.Background(), "missing")
	if !IsNotFoundError(err) {
		t.Errorf("expected not found error, got %v", err)
	}
	if IsNotFoundError(errors.New("status 404")) {
		t.Error("plain errors are not status errors")
	}
	if IsNotFoundError(nil) {
		t.Error("nil is not a not found error")
	}
}
