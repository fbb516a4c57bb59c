package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Optional columns come back as zero values.
const faceColumns = `id, photo_uid, face_index, embedding, bbox, det_score, roll, yaw, pitch,
	COALESCE(model, ''), dim, created_at,
	COALESCE(photo_width, 0), COALESCE(photo_height, 0), COALESCE(orientation, 0), COALESCE(file_uid, '')`

// FaceRepository stores detections in the faces and faces_processed tables.
type FaceRepository struct {
	pool *Pool
}

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

// GetFaces retrieves all faces for a photo.
func (r *FaceRepository) GetFaces(ctx context.Context, photoUID string) ([]database.StoredFace, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE photo_uid = $1 ORDER BY face_index`, photoUID)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()

	var faces []database.StoredFace
	err = scanFaces(rows, func(f database.StoredFace) { faces = append(faces, f) })
	return faces, err
}

// GetFacesByPhotos loads the faces of every processed photo among photoUIDs in two queries.
func (r *FaceRepository) GetFacesByPhotos(ctx context.Context, photoUIDs []string) (map[string][]database.StoredFace, error) {
	out := make(map[string][]database.StoredFace)
	if len(photoUIDs) == 0 {
		return out, nil
	}
	uids := pq.Array(photoUIDs)

	processed, err := r.pool.Query(ctx, "SELECT photo_uid FROM faces_processed WHERE photo_uid = ANY($1)", uids)
	if err != nil {
		return nil, fmt.Errorf("query processed photos: %w", err)
	}
	defer processed.Close()
	for processed.Next() {
		var uid string
		if err := processed.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan processed photo: %w", err)
		}
		out[uid] = []database.StoredFace{}
	}
	if err := processed.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed photos: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE photo_uid = ANY($1) ORDER BY photo_uid, face_index`, uids)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()

	err = scanFaces(rows, func(f database.StoredFace) {
		// faces of a photo whose processed marker is missing are a half-finished detection
		if existing, ok := out[f.PhotoUID]; ok {
			out[f.PhotoUID] = append(existing, f)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsFacesProcessed checks if face detection has been run for a photo.
func (r *FaceRepository) IsFacesProcessed(ctx context.Context, photoUID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(
		ctx, "SELECT EXISTS(SELECT 1 FROM faces_processed WHERE photo_uid = $1)", photoUID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check faces processed: %w", err)
	}
	return exists, nil
}

// Count returns the total number of faces stored.
func (r *FaceRepository) Count(ctx context.Context) (int, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM faces", "count faces")
}

// CountPhotos returns the number of distinct photos with faces.
func (r *FaceRepository) CountPhotos(ctx context.Context) (int, error) {
	return r.count(ctx, "SELECT COUNT(DISTINCT photo_uid) FROM faces", "count photos")
}

func (r *FaceRepository) count(ctx context.Context, query, what string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return n, nil
}

const insertFace = `
	INSERT INTO faces (photo_uid, face_index, embedding, bbox, det_score, roll, yaw, pitch, model, dim,
	                   photo_width, photo_height, orientation, file_uid)
	VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, NULLIF($9, ''), $10,
	        NULLIF($11, 0), NULLIF($12, 0), NULLIF($13, 0), NULLIF($14, ''))`

// SaveFaces replaces the stored faces of a photo.
func (r *FaceRepository) SaveFaces(ctx context.Context, photoUID string, faces []database.StoredFace) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM faces WHERE photo_uid = $1", photoUID); err != nil {
		return fmt.Errorf("delete existing faces: %w", err)
	}

	if len(faces) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertFace)
		if err != nil {
			return fmt.Errorf("prepare face insert: %w", err)
		}
		defer stmt.Close()

		for i := range faces {
			f := &faces[i]
			_, err := stmt.ExecContext(ctx,
				photoUID, f.FaceIndex, pgvector.NewVector(f.Embedding), pq.Array(f.BBox),
				f.DetScore, f.Roll, f.Yaw, f.Pitch,
				f.Model, len(f.Embedding),
				int64(f.PhotoWidth), int64(f.PhotoHeight), int64(f.Orientation), f.FileUID,
			)
			if err != nil {
				return fmt.Errorf("insert face %d: %w", f.FaceIndex, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit faces of %s: %w", photoUID, err)
	}
	return nil
}

// MarkFacesProcessed records that detection ran for a photo, found faceCount faces.
func (r *FaceRepository) MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO faces_processed (photo_uid, face_count)
		VALUES ($1, $2)
		ON CONFLICT (photo_uid) DO UPDATE SET face_count = EXCLUDED.face_count, created_at = NOW()
	`, photoUID, faceCount)
	if err != nil {
		return fmt.Errorf("mark faces processed: %w", err)
	}
	return nil
}

func scanFaces(rows *sql.Rows, yield func(database.StoredFace)) error {
	for rows.Next() {
		var (
			f    database.StoredFace
			vec  pgvector.Vector
			bbox pq.Float64Array
		)
		err := rows.Scan(
			&f.ID, &f.PhotoUID, &f.FaceIndex, &vec, &bbox,
			&f.DetScore, &f.Roll, &f.Yaw, &f.Pitch,
			&f.Model, &f.Dim, &f.CreatedAt,
			&f.PhotoWidth, &f.PhotoHeight, &f.Orientation, &f.FileUID,
		)
		if err != nil {
			return fmt.Errorf("scan face: %w", err)
		}
		f.Embedding = vec.Slice()
		f.BBox = bbox
		yield(f)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate faces: %w", err)
	}
	return nil
}
