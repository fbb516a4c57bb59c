package corpus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/fingerprint"
	"github.com/kozaktomas/photo-faces/internal/photoprism"
)

type fakeDownloader struct {
	files map[string]*photoprism.File
}

func (f *fakeDownloader) GetPhotoDownload(ctx context.Context, photoUID string) ([]byte, *photoprism.File, error) {
	file, ok := f.files[photoUID]
	if !ok {
		return nil, nil, &photoprism.StatusError{Code: 404}
	}
	return []byte("raw"), file, nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	faces map[int]int // image length -> number of faces
}

func (f *fakeExtractor) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*fingerprint.FaceResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	resp := &fingerprint.FaceResponse{Model: "test"}
	for i := range f.faces[len(imageData)] {
		resp.Faces = append(resp.Faces, fingerprint.FaceDetection{
			FaceIndex: i, Dim: 2, Embedding: []float32{0.1, 0.2},
			BBox: []float64{10, 10, 50, 50}, DetScore: 0.8,
			Pose: &fingerprint.FacePose{Roll: 1, Yaw: 2, Pitch: 3},
		})
	}
	return resp, nil
}

func TestDetect(t *testing.T) {
	store := mock.NewMockStore()
	store.AddFaces("done", nil)
	downloads := &fakeDownloader{files: map[string]*photoprism.File{
		"p1":   {UID: "f1", Width: 4000, Height: 3000, Orientation: 6},
		"none": {UID: "f2", Width: 100, Height: 100, Orientation: 6},
		"done": {UID: "f3"},
	}}
	extractor := &fakeExtractor{faces: map[int]int{len("raw"): 2}}
	d := NewDetector(downloads, extractor, store, semaphore.NewWeighted(2), 0)

	var progress []int
	var mu sync.Mutex
	stats, err := d.Detect(context.Background(), []string{"p1", "none", "done", "missing"}, false, func(done, total int) {
		mu.Lock()
		progress = append(progress, done)
		mu.Unlock()
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
	})
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if stats.Processed != 2 || stats.Skipped != 1 || stats.Failed != 1 || stats.Faces != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if len(progress) != 4 {
		t.Errorf("expected 4 progress reports, got %v", progress)
	}

	faces, _ := store.GetFaces(context.Background(), "p1")
	if len(faces) != 2 {
		t.Fatalf("expected 2 stored faces, got %d", len(faces))
	}
	f := faces[0]
	if f.PhotoWidth != 4000 || f.Orientation != 6 || f.FileUID != "f1" || f.Yaw != 2 || f.Model != "test" {
		t.Errorf("unexpected stored face %+v", f)
	}
	processed, _ := store.IsFacesProcessed(context.Background(), "p1")
	if !processed {
		t.Error("expected p1 to be marked processed")
	}
}

func TestDetectForceAndStoreFailure(t *testing.T) {
	store := mock.NewMockStore()
	store.AddFaces("p1", []database.StoredFace{{FaceIndex: 0}})
	downloads := &fakeDownloader{files: map[string]*photoprism.File{"p1": {UID: "f1", Orientation: 1}}}
	extractor := &fakeExtractor{}
	d := NewDetector(downloads, extractor, store, semaphore.NewWeighted(1), 0)

	stats, err := d.Detect(context.Background(), []string{"p1"}, true, nil)
	if err != nil || stats.Processed != 1 || extractor.calls != 1 {
		t.Fatalf("forced Detect() = %+v, %v (calls %d)", stats, err, extractor.calls)
	}

	store.SaveFacesError = errors.New("disk full")
	stats, err = d.Detect(context.Background(), []string{"p1"}, true, nil)
	if err != nil || stats.Failed != 1 {
		t.Errorf("Detect() with failing store = %+v, %v", stats, err)
	}
}

func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDetector(&fakeDownloader{}, &fakeExtractor{}, mock.NewMockStore(), semaphore.NewWeighted(1), 0)

	if _, err := d.Detect(ctx, []string{"p1"}, false, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Detect() error = %v, want context.Canceled", err)
	}
}
