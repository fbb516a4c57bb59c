package corpus

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/logging"
	"github.com/kozaktomas/photo-faces/internal/photoprism"
)

// PhotoClient is the part of the PhotoPrism API the source reads.
type PhotoClient interface {
	GetAlbums(ctx context.Context, count, offset int, order, albumType string) ([]photoprism.Album, error)
	GetAlbumPhotos(ctx context.Context, albumUID string, count, offset int) ([]photoprism.Photo, error)
	GetPhotoMarkers(ctx context.Context, photoUID string) ([]photoprism.Marker, error)
}

// MarkerReader loads labeled markers in bulk, bypassing the API.
type MarkerReader interface {
	GetLabeledMarkers(ctx context.Context, photoUIDs []string) (map[string][]facematch.MarkerInfo, error)
}

// PhotoPrismSource reads albums and labels from PhotoPrism and references from the face
// store filled by detection.
type PhotoPrismSource struct {
	client    PhotoClient
	faces     database.FaceReader
	markers   MarkerReader
	io        *semaphore.Weighted
	albumType string
	log       *logging.Entry
}

// SourceOption configures a PhotoPrismSource.
type SourceOption func(*PhotoPrismSource)

// WithMarkerReader reads labels straight from the PhotoPrism database.
func WithMarkerReader(r MarkerReader) SourceOption {
	return func(s *PhotoPrismSource) { s.markers = r }
}

// WithIOLimit shares an IO pool with other workers.
func WithIOLimit(sem *semaphore.Weighted) SourceOption {
	return func(s *PhotoPrismSource) { s.io = sem }
}

// WithAlbumType restricts enumeration to one PhotoPrism album type ("album", "folder", ...).
func WithAlbumType(t string) SourceOption {
	return func(s *PhotoPrismSource) { s.albumType = t }
}

// NewPhotoPrismSource creates a source. Without WithIOLimit a private pool of
// constants.DefaultIOConcurrency is used.
func NewPhotoPrismSource(client PhotoClient, faces database.FaceReader, opts ...SourceOption) *PhotoPrismSource {
	s := &PhotoPrismSource{
		client:    client,
		faces:     faces,
		albumType: "album",
		log:       logging.Component("corpus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.io == nil {
		s.io = semaphore.NewWeighted(constants.DefaultIOConcurrency)
	}
	return s
}

// ListAlbums pages through all albums.
func (s *PhotoPrismSource) ListAlbums(ctx context.Context) ([]Album, error) {
	var albums []Album
	for offset := 0; ; offset += constants.DefaultPageSize {
		page, err := withIO(ctx, s.io, func() ([]photoprism.Album, error) {
			return s.client.GetAlbums(ctx, constants.DefaultPageSize, offset, "name", s.albumType)
		})
		if err != nil {
			return nil, fmt.Errorf("list albums: %w", err)
		}
		for _, a := range page {
			albums = append(albums, Album{UID: a.UID, Title: a.Title})
		}
		if len(page) < constants.DefaultPageSize {
			return albums, nil
		}
	}
}

// photoUIDs pages through the photos of an album.
func (s *PhotoPrismSource) photoUIDs(ctx context.Context, albumUID string) ([]string, error) {
	var uids []string
	for offset := 0; ; offset += constants.DefaultPageSize {
		page, err := withIO(ctx, s.io, func() ([]photoprism.Photo, error) {
			return s.client.GetAlbumPhotos(ctx, albumUID, constants.DefaultPageSize, offset)
		})
		if err != nil {
			return nil, fmt.Errorf("list photos of album %s: %w", albumUID, err)
		}
		for _, p := range page {
			uids = append(uids, p.UID)
		}
		if len(page) < constants.DefaultPageSize {
			return uids, nil
		}
	}
}

// ListReferences loads the stored detections of every processed photo of the album.
func (s *PhotoPrismSource) ListReferences(ctx context.Context, albumUID string) ([]facematch.Reference, bool, error) {
	uids, err := s.photoUIDs(ctx, albumUID)
	if err != nil {
		return nil, false, err
	}
	if len(uids) == 0 {
		return nil, true, nil
	}

	byPhoto := make(map[string][]database.StoredFace, len(uids))
	for start := 0; start < len(uids); start += constants.FaceBatchSize {
		chunk := uids[start:min(start+constants.FaceBatchSize, len(uids))]
		faces, err := withIO(ctx, s.io, func() (map[string][]database.StoredFace, error) {
			return s.faces.GetFacesByPhotos(ctx, chunk)
		})
		if err != nil {
			return nil, false, fmt.Errorf("load faces of album %s: %w", albumUID, err)
		}
		maps.Copy(byPhoto, faces)
	}

	// album order, then face index
	var refs []facematch.Reference
	for _, uid := range uids {
		faces := byPhoto[uid]
		for i := range faces {
			refs = append(refs, faces[i].Reference())
		}
	}
	present := len(byPhoto) > 0
	if !present {
		s.log.WithField("album", albumUID).Debug("Album has no processed photos")
	}
	return refs, present, nil
}

// ListIdentifiedContacts loads the subject-assigned face markers of the album's photos.
func (s *PhotoPrismSource) ListIdentifiedContacts(ctx context.Context, albumUID string) ([]facematch.IdentifiedContact, error) {
	uids, err := s.photoUIDs(ctx, albumUID)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	perPhoto := make([][]facematch.MarkerInfo, len(uids))
	if s.markers != nil {
		byPhoto, err := withIO(ctx, s.io, func() (map[string][]facematch.MarkerInfo, error) {
			return s.markers.GetLabeledMarkers(ctx, uids)
		})
		if err != nil {
			return nil, fmt.Errorf("load markers of album %s: %w", albumUID, err)
		}
		for i, uid := range uids {
			perPhoto[i] = byPhoto[uid]
		}
	} else {
		err := forEachPhoto(ctx, s.io, uids, func(i int, uid string) error {
			markers, err := s.client.GetPhotoMarkers(ctx, uid)
			if photoprism.IsNotFoundError(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load markers of %s: %w", uid, err)
			}
			perPhoto[i] = photoprism.MarkerInfos(markers)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var contacts []facematch.IdentifiedContact
	for i, uid := range uids {
		contacts = append(contacts, facematch.MarkersToContacts(uid, perPhoto[i])...)
	}
	return contacts, nil
}

// withIO runs fn while holding one slot of the IO pool.
func withIO[T any](ctx context.Context, sem *semaphore.Weighted, fn func() (T, error)) (T, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, err
	}
	defer sem.Release(1)
	return fn()
}

// forEachPhoto runs fn for every photo, bounded by the IO pool, and returns the first error.
func forEachPhoto(ctx context.Context, sem *semaphore.Weighted, uids []string, fn func(i int, uid string) error) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, uid := range uids {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := fn(i, uid); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}
