package corpus

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/fingerprint"
	"github.com/kozaktomas/photo-faces/internal/logging"
	"github.com/kozaktomas/photo-faces/internal/photoprism"
)

// Extractor turns an image into face detections. The neural network behind it is opaque.
type Extractor interface {
	ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*fingerprint.FaceResponse, error)
}

// Downloader fetches the primary file of a photo.
type Downloader interface {
	GetPhotoDownload(ctx context.Context, photoUID string) ([]byte, *photoprism.File, error)
}

// DetectStats summarizes a Detect call.
type DetectStats struct {
	Processed int
	Skipped   int // already processed
	Failed    int
	Faces     int
}

// Detector runs face extraction over photos and stores the references.
type Detector struct {
	photos    Downloader
	extractor Extractor
	faces     database.FaceWriter
	io        *semaphore.Weighted
	maxSize   int
	log       *logging.Entry
}

// NewDetector creates a detector. maxSize bounds the longest side of uploaded images,
// 0 uploads originals.
func NewDetector(photos Downloader, extractor Extractor, faces database.FaceWriter, io *semaphore.Weighted, maxSize int) *Detector {
	return &Detector{
		photos:    photos,
		extractor: extractor,
		faces:     faces,
		io:        io,
		maxSize:   maxSize,
		log:       logging.Component("detect"),
	}
}

// Detect extracts and stores the faces of every photo. Photos that were processed before
// are skipped unless force is set. Failures are counted per photo; only cancellation is
// returned as an error. onProgress may be nil.
func (d *Detector) Detect(ctx context.Context, photoUIDs []string, force bool, onProgress func(done, total int)) (DetectStats, error) {
	var (
		stats DetectStats
		mu    sync.Mutex
		wg    sync.WaitGroup
		done  int
	)

	for _, uid := range photoUIDs {
		if err := d.io.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.io.Release(1)

			faces, skipped, err := d.detectPhoto(ctx, uid, force)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
				d.log.WithFields(logging.Fields{"photo": uid, "error": err}).Warn("Face detection failed")
			case skipped:
				stats.Skipped++
			default:
				stats.Processed++
				stats.Faces += faces
			}
			done++
			if onProgress != nil {
				onProgress(done, len(photoUIDs))
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	d.log.WithFields(logging.Fields{
		"processed": stats.Processed,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
		"faces":     stats.Faces,
	}).Info("Face detection complete")
	return stats, nil
}

func (d *Detector) detectPhoto(ctx context.Context, uid string, force bool) (int, bool, error) {
	if !force {
		processed, err := d.faces.IsFacesProcessed(ctx, uid)
		if err != nil {
			return 0, false, fmt.Errorf("check processed: %w", err)
		}
		if processed {
			return 0, true, nil
		}
	}

	data, file, err := d.photos.GetPhotoDownload(ctx, uid)
	if err != nil {
		return 0, false, fmt.Errorf("download: %w", err)
	}

	// Re-encoding drops EXIF, and the extractor needs the orientation to return
	// display-space boxes, so rotated files go up as they are.
	factor := 1.0
	if file.Orientation <= 1 {
		data, factor, err = fingerprint.Downscale(data, d.maxSize)
		if err != nil {
			return 0, false, fmt.Errorf("downscale: %w", err)
		}
	}

	resp, err := d.extractor.ComputeFaceEmbeddings(ctx, data)
	if err != nil {
		return 0, false, fmt.Errorf("extract: %w", err)
	}

	faces := make([]database.StoredFace, len(resp.Faces))
	for i, f := range resp.Faces {
		faces[i] = database.StoredFace{
			PhotoUID:    uid,
			FaceIndex:   f.FaceIndex,
			Embedding:   f.Embedding,
			BBox:        fingerprint.ScaleBBox(f.BBox, factor),
			DetScore:    f.DetScore,
			Model:       resp.Model,
			Dim:         f.Dim,
			PhotoWidth:  file.Width,
			PhotoHeight: file.Height,
			Orientation: max(file.Orientation, 1),
			FileUID:     file.UID,
		}
		if f.Pose != nil {
			faces[i].Roll, faces[i].Yaw, faces[i].Pitch = f.Pose.Roll, f.Pose.Yaw, f.Pose.Pitch
		}
	}

	// Saved even when empty so the photo reads as processed with no faces.
	if err := d.faces.SaveFaces(ctx, uid, faces); err != nil {
		return 0, false, fmt.Errorf("save faces: %w", err)
	}
	if err := d.faces.MarkFacesProcessed(ctx, uid, len(faces)); err != nil {
		return 0, false, fmt.Errorf("mark processed: %w", err)
	}
	return len(faces), false, nil
}
