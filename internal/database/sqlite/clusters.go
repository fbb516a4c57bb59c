package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
)

const clusterSelect = `
	SELECT c.id, c.seq, c.root_reference_id, c.root_photo_uid, c.root_embedding, c.root_rect,
	       COALESCE(c.contact_key, ''), COALESCE(c.contact_name, ''), c.synthesized,
	       (SELECT COUNT(*) FROM cluster_members m WHERE m.cluster_id = c.id),
	       c.created_at, c.updated_at
	FROM clusters c
`

func scanCluster(scanner interface{ Scan(...any) error }) (database.StoredCluster, error) {
	var c database.StoredCluster
	var embedding []byte
	var rect, createdAt, updatedAt string
	var synthesized int
	if err := scanner.Scan(
		&c.ID, &c.Seq, &c.RootReferenceID, &c.RootPhotoUID, &embedding, &rect,
		&c.ContactKey, &c.ContactName, &synthesized, &c.MemberCount,
		&createdAt, &updatedAt,
	); err != nil {
		return c, fmt.Errorf("scan cluster: %w", err)
	}
	var err error
	if c.RootEmbedding, err = decodeEmbedding(embedding); err != nil {
		return c, err
	}
	if c.RootRect, err = decodeRect(rect); err != nil {
		return c, err
	}
	c.Synthesized = synthesized != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// GetCluster returns a cluster by id, or nil if it does not exist.
func (s *Store) GetCluster(ctx context.Context, id string) (*database.StoredCluster, error) {
	c, err := scanCluster(s.db.QueryRowContext(ctx, clusterSelect+" WHERE c.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	return &c, nil
}

// ListClusters returns all clusters ordered by creation.
func (s *Store) ListClusters(ctx context.Context) ([]database.StoredCluster, error) {
	rows, err := s.db.QueryContext(ctx, clusterSelect+" ORDER BY c.seq")
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []database.StoredCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return clusters, nil
}

// ListMembers returns a cluster's member log in append order.
func (s *Store) ListMembers(ctx context.Context, clusterID string) ([]database.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cluster_id, reference_id, photo_uid, rect, is_root, created_at
		FROM cluster_members
		WHERE cluster_id = ?
		ORDER BY id
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []database.Membership
	for rows.Next() {
		var m database.Membership
		var rect, createdAt string
		var isRoot int
		if err := rows.Scan(&m.ClusterID, &m.ReferenceID, &m.PhotoUID, &rect, &isRoot, &createdAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if m.Rect, err = decodeRect(rect); err != nil {
			return nil, err
		}
		m.IsRoot = isRoot != 0
		m.CreatedAt = parseTime(createdAt)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// CountClusters returns the number of stored clusters.
func (s *Store) CountClusters(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clusters").Scan(&count); err != nil {
		return 0, fmt.Errorf("count clusters: %w", err)
	}
	return count, nil
}

// SaveCluster inserts or updates a cluster record. The contact columns are left alone on update.
func (s *Store) SaveCluster(ctx context.Context, c *database.StoredCluster) error {
	rect, err := encodeRect(c.RootRect)
	if err != nil {
		return err
	}
	var contactKey, contactName sql.NullString
	if c.ContactKey != "" {
		contactKey = sql.NullString{String: c.ContactKey, Valid: true}
		contactName = sql.NullString{String: c.ContactName, Valid: true}
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clusters (id, seq, root_reference_id, root_photo_uid, root_embedding, root_rect,
			                      contact_key, contact_name, synthesized, created_at, updated_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM clusters), ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				root_reference_id = excluded.root_reference_id,
				root_photo_uid = excluded.root_photo_uid,
				root_embedding = excluded.root_embedding,
				root_rect = excluded.root_rect,
				updated_at = excluded.updated_at
		`,
			c.ID, c.RootReferenceID, c.RootPhotoUID, encodeEmbedding(c.RootEmbedding), rect,
			contactKey, contactName, boolToInt(c.Synthesized), ts, ts,
		); err != nil {
			return fmt.Errorf("save cluster %s: %w", c.ID, err)
		}

		var createdAt, updatedAt string
		if err := tx.QueryRowContext(ctx,
			"SELECT seq, created_at, updated_at FROM clusters WHERE id = ?", c.ID,
		).Scan(&c.Seq, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("read saved cluster %s: %w", c.ID, err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		return nil
	})
	return err
}

// DeleteCluster removes a cluster with its member log and reverse index entries.
func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reference_index WHERE cluster_id = ?", id); err != nil {
			return fmt.Errorf("delete reference index: %w", err)
		}
		// cluster_members cascades.
		if _, err := tx.ExecContext(ctx, "DELETE FROM clusters WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete cluster: %w", err)
		}
		return nil
	})
}

// putReferenceTx claims referenceID for clusterID. It reports whether the claim is new.
func putReferenceTx(ctx context.Context, tx *sql.Tx, referenceID, clusterID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO reference_index (reference_id, cluster_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (reference_id) DO NOTHING
	`, referenceID, clusterID, now())
	if err != nil {
		return false, fmt.Errorf("insert reference index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var owner string
	if err := tx.QueryRowContext(ctx,
		"SELECT cluster_id FROM reference_index WHERE reference_id = ?", referenceID,
	).Scan(&owner); err != nil {
		return false, fmt.Errorf("read reference index: %w", err)
	}
	if owner != clusterID {
		return false, fmt.Errorf("%s in %s: %w", referenceID, owner, database.ErrMembershipConflict)
	}
	return false, nil
}

// AddMember appends a membership and writes the reverse index in one transaction.
func (s *Store) AddMember(ctx context.Context, m database.Membership) error {
	rect, err := encodeRect(m.Rect)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := putReferenceTx(ctx, tx, m.ReferenceID, m.ClusterID)
		if err != nil || !fresh {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_members (cluster_id, reference_id, photo_uid, rect, is_root, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ClusterID, m.ReferenceID, m.PhotoUID, rect, boolToInt(m.IsRoot), now()); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		return nil
	})
}

// SetClusterContact attaches a contact to a cluster.
func (s *Store) SetClusterContact(ctx context.Context, clusterID string, contact facematch.Contact) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE clusters SET contact_key = ?, contact_name = ?, synthesized = ?, updated_at = ?
		WHERE id = ?
	`, contact.Key, contact.Name, boolToInt(contact.Synthesized), now(), clusterID)
	if err != nil {
		return fmt.Errorf("set cluster contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cluster %s not found", clusterID)
	}
	return nil
}

// LookupReference returns the owning cluster of a reference.
func (s *Store) LookupReference(ctx context.Context, referenceID string) (string, bool, error) {
	var clusterID string
	err := s.db.QueryRowContext(ctx,
		"SELECT cluster_id FROM reference_index WHERE reference_id = ?", referenceID,
	).Scan(&clusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup reference: %w", err)
	}
	return clusterID, true, nil
}

// lookupChunk stays well below SQLite's bound parameter limit.
const lookupChunk = 500

// inClause returns "(?,?,...)" for ids together with the matching arguments.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

// LookupReferences resolves many references, querying in chunks.
func (s *Store) LookupReferences(ctx context.Context, referenceIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for start := 0; start < len(referenceIDs); start += lookupChunk {
		end := min(start+lookupChunk, len(referenceIDs))
		in, args := inClause(referenceIDs[start:end])
		rows, err := s.db.QueryContext(ctx,
			"SELECT reference_id, cluster_id FROM reference_index WHERE reference_id IN "+in,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("lookup references: %w", err)
		}
		for rows.Next() {
			var ref, cluster string
			if err := rows.Scan(&ref, &cluster); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan reference: %w", err)
			}
			out[ref] = cluster
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate references: %w", err)
		}
	}
	return out, nil
}

// PutReference records the owner of a reference.
func (s *Store) PutReference(ctx context.Context, referenceID, clusterID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := putReferenceTx(ctx, tx, referenceID, clusterID)
		return err
	})
}

// DeleteReference forgets a reference.
func (s *Store) DeleteReference(ctx context.Context, referenceID string) error {
	if _, err := s.execWithRetry(ctx, "DELETE FROM reference_index WHERE reference_id = ?", referenceID); err != nil {
		return fmt.Errorf("delete reference: %w", err)
	}
	return nil
}
