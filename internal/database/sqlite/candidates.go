package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
)

// RecordCandidateFace inserts or updates the suggestion for (reference, strategy).
func (s *Store) RecordCandidateFace(ctx context.Context, c database.CandidateFace) error {
	rect, err := encodeRect(c.Rect)
	if err != nil {
		return err
	}
	if _, err := s.execWithRetry(ctx, `
		INSERT INTO candidate_faces (reference_id, strategy, photo_uid, rect, contact_key, contact_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference_id, strategy) DO UPDATE SET
			photo_uid = excluded.photo_uid,
			rect = excluded.rect,
			contact_key = excluded.contact_key,
			contact_name = excluded.contact_name,
			updated_at = excluded.updated_at
	`, c.ReferenceID, c.Strategy, c.PhotoUID, rect, c.ContactKey, c.ContactName, now()); err != nil {
		return fmt.Errorf("record candidate face: %w", err)
	}
	return nil
}

// ListCandidateFaces returns all suggestions recorded for a photo.
func (s *Store) ListCandidateFaces(ctx context.Context, photoUID string) ([]database.CandidateFace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference_id, strategy, photo_uid, rect, contact_key, contact_name, updated_at
		FROM candidate_faces
		WHERE photo_uid = ?
		ORDER BY reference_id, strategy
	`, photoUID)
	if err != nil {
		return nil, fmt.Errorf("query candidate faces: %w", err)
	}
	defer rows.Close()

	var out []database.CandidateFace
	for rows.Next() {
		var c database.CandidateFace
		var rect, updatedAt string
		if err := rows.Scan(&c.ReferenceID, &c.Strategy, &c.PhotoUID, &rect, &c.ContactKey, &c.ContactName, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan candidate face: %w", err)
		}
		if c.Rect, err = decodeRect(rect); err != nil {
			return nil, err
		}
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate faces: %w", err)
	}
	return out, nil
}

// UpsertContact inserts or renames a contact.
func (s *Store) UpsertContact(ctx context.Context, c database.StoredContact) error {
	if _, err := s.execWithRetry(ctx, `
		INSERT INTO contacts (key, name, synthesized, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			name = excluded.name,
			synthesized = excluded.synthesized
	`, c.Key, c.Name, boolToInt(c.Synthesized), now()); err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// GetContact returns a contact by key, or nil if it does not exist.
func (s *Store) GetContact(ctx context.Context, key string) (*database.StoredContact, error) {
	var c database.StoredContact
	var synthesized int
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT key, name, synthesized, created_at FROM contacts WHERE key = ?", key,
	).Scan(&c.Key, &c.Name, &synthesized, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	c.Synthesized = synthesized != 0
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}
