package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
)

const faceColumns = `id, photo_uid, face_index, embedding, bbox, det_score, roll, yaw, pitch, model, dim, created_at,
	photo_width, photo_height, orientation, file_uid`

// GetFaces retrieves all faces for a photo.
func (s *Store) GetFaces(ctx context.Context, photoUID string) ([]database.StoredFace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+faceColumns+`
		FROM faces
		WHERE photo_uid = ?
		ORDER BY face_index
	`, photoUID)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()

	var faces []database.StoredFace
	for rows.Next() {
		face, err := scanFaceRow(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// IsFacesProcessed checks if face detection has been run for a photo.
func (s *Store) IsFacesProcessed(ctx context.Context, photoUID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM faces_processed WHERE photo_uid = ?", photoUID,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("check faces processed: %w", err)
	}
	return count > 0, nil
}

// Count returns the total number of faces stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// CountPhotos returns the number of distinct photos with faces.
func (s *Store) CountPhotos(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT photo_uid) FROM faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count photos: %w", err)
	}
	return count, nil
}

// GetFacesByPhotos loads the faces of every processed photo among photoUIDs, querying in chunks.
func (s *Store) GetFacesByPhotos(ctx context.Context, photoUIDs []string) (map[string][]database.StoredFace, error) {
	out := make(map[string][]database.StoredFace)
	for start := 0; start < len(photoUIDs); start += lookupChunk {
		chunk := photoUIDs[start:min(start+lookupChunk, len(photoUIDs))]
		in, args := inClause(chunk)

		processed, err := s.db.QueryContext(ctx, "SELECT photo_uid FROM faces_processed WHERE photo_uid IN "+in, args...)
		if err != nil {
			return nil, fmt.Errorf("query processed photos: %w", err)
		}
		for processed.Next() {
			var uid string
			if err := processed.Scan(&uid); err != nil {
				processed.Close()
				return nil, fmt.Errorf("scan processed photo: %w", err)
			}
			out[uid] = []database.StoredFace{}
		}
		processed.Close()
		if err := processed.Err(); err != nil {
			return nil, fmt.Errorf("iterate processed photos: %w", err)
		}

		rows, err := s.db.QueryContext(ctx, `SELECT `+faceColumns+`
			FROM faces
			WHERE photo_uid IN `+in+`
			ORDER BY photo_uid, face_index
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("query faces: %w", err)
		}
		for rows.Next() {
			face, err := scanFaceRow(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if existing, ok := out[face.PhotoUID]; ok {
				out[face.PhotoUID] = append(existing, face)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate faces: %w", err)
		}
	}
	return out, nil
}

// SaveFaces stores multiple faces for a photo, replacing any existing faces for that photo.
func (s *Store) SaveFaces(ctx context.Context, photoUID string, faces []database.StoredFace) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM faces WHERE photo_uid = ?", photoUID); err != nil {
			return fmt.Errorf("delete existing faces: %w", err)
		}
		ts := now()
		for i := range faces {
			face := &faces[i]
			bbox, err := encodeFloats(face.BBox)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO faces (photo_uid, face_index, embedding, bbox, det_score, roll, yaw, pitch, model, dim,
				                   photo_width, photo_height, orientation, file_uid, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				photoUID,
				face.FaceIndex,
				encodeEmbedding(face.Embedding),
				bbox,
				face.DetScore,
				face.Roll,
				face.Yaw,
				face.Pitch,
				nullableString(face.Model),
				len(face.Embedding),
				nullableInt(face.PhotoWidth),
				nullableInt(face.PhotoHeight),
				nullableInt(face.Orientation),
				nullableString(face.FileUID),
				ts,
			); err != nil {
				return fmt.Errorf("insert face %d: %w", face.FaceIndex, err)
			}
		}
		return nil
	})
}

// MarkFacesProcessed marks a photo as having been processed for face detection.
func (s *Store) MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error {
	if _, err := s.execWithRetry(ctx, `
		INSERT INTO faces_processed (photo_uid, face_count, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (photo_uid) DO UPDATE SET
			face_count = excluded.face_count,
			created_at = excluded.created_at
	`, photoUID, faceCount, now()); err != nil {
		return fmt.Errorf("mark faces processed: %w", err)
	}
	return nil
}

func scanFaceRow(scanner interface{ Scan(...any) error }) (database.StoredFace, error) {
	var face database.StoredFace
	var embedding []byte
	var bbox, createdAt string
	var model, fileUID sql.NullString
	var photoWidth, photoHeight, orientation sql.NullInt64

	if err := scanner.Scan(
		&face.ID,
		&face.PhotoUID,
		&face.FaceIndex,
		&embedding,
		&bbox,
		&face.DetScore,
		&face.Roll,
		&face.Yaw,
		&face.Pitch,
		&model,
		&face.Dim,
		&createdAt,
		&photoWidth,
		&photoHeight,
		&orientation,
		&fileUID,
	); err != nil {
		return face, fmt.Errorf("scan face: %w", err)
	}

	var err error
	if face.Embedding, err = decodeEmbedding(embedding); err != nil {
		return face, err
	}
	if face.BBox, err = decodeFloats(bbox); err != nil {
		return face, err
	}
	face.CreatedAt = parseTime(createdAt)
	face.Model = model.String
	face.FileUID = fileUID.String
	face.PhotoWidth = int(photoWidth.Int64)
	face.PhotoHeight = int(photoHeight.Int64)
	face.Orientation = int(orientation.Int64)
	return face, nil
}
