package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/lib/pq"
)

// CandidateRepository stores candidate face suggestions and contacts.
type CandidateRepository struct {
	pool *Pool
}

// NewCandidateRepository creates a new PostgreSQL candidate repository.
func NewCandidateRepository(pool *Pool) *CandidateRepository {
	return &CandidateRepository{pool: pool}
}

// RecordCandidateFace inserts or updates the suggestion for (reference, strategy).
func (r *CandidateRepository) RecordCandidateFace(ctx context.Context, c database.CandidateFace) error {
	query := `
		INSERT INTO candidate_faces (reference_id, strategy, photo_uid, rect, contact_key, contact_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reference_id, strategy) DO UPDATE SET
			photo_uid = EXCLUDED.photo_uid,
			rect = EXCLUDED.rect,
			contact_key = EXCLUDED.contact_key,
			contact_name = EXCLUDED.contact_name,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query,
		c.ReferenceID, c.Strategy, c.PhotoUID, rectArray(c.Rect), c.ContactKey, c.ContactName,
	); err != nil {
		return fmt.Errorf("record candidate face: %w", err)
	}
	return nil
}

// ListCandidateFaces returns all suggestions recorded for a photo.
func (r *CandidateRepository) ListCandidateFaces(ctx context.Context, photoUID string) ([]database.CandidateFace, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT reference_id, strategy, photo_uid, rect, contact_key, contact_name, updated_at
		FROM candidate_faces
		WHERE photo_uid = $1
		ORDER BY reference_id, strategy
	`, photoUID)
	if err != nil {
		return nil, fmt.Errorf("query candidate faces: %w", err)
	}
	defer rows.Close()

	var out []database.CandidateFace
	for rows.Next() {
		var c database.CandidateFace
		var rect pq.Float64Array
		if err := rows.Scan(&c.ReferenceID, &c.Strategy, &c.PhotoUID, &rect, &c.ContactKey, &c.ContactName, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan candidate face: %w", err)
		}
		c.Rect = rectFromArray(rect)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate faces: %w", err)
	}
	return out, nil
}

// UpsertContact inserts or renames a contact.
func (r *CandidateRepository) UpsertContact(ctx context.Context, c database.StoredContact) error {
	query := `
		INSERT INTO contacts (key, name, synthesized)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			synthesized = EXCLUDED.synthesized
	`
	if _, err := r.pool.Exec(ctx, query, c.Key, c.Name, c.Synthesized); err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// GetContact returns a contact by key, or nil if it does not exist.
func (r *CandidateRepository) GetContact(ctx context.Context, key string) (*database.StoredContact, error) {
	var c database.StoredContact
	err := r.pool.QueryRow(ctx,
		"SELECT key, name, synthesized, created_at FROM contacts WHERE key = $1", key,
	).Scan(&c.Key, &c.Name, &c.Synthesized, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}
