package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// rectArray stores a rect as [top, left, right, bottom].
func rectArray(r facematch.NormalizedRect) any {
	return pq.Array([]float64{r.Top, r.Left, r.Right, r.Bottom})
}

func rectFromArray(a pq.Float64Array) facematch.NormalizedRect {
	if len(a) != 4 {
		return facematch.NormalizedRect{}
	}
	return facematch.NormalizedRect{Top: a[0], Left: a[1], Right: a[2], Bottom: a[3]}
}

// ClusterRepository provides PostgreSQL-backed cluster, membership and reverse index storage.
type ClusterRepository struct {
	pool *Pool
}

// NewClusterRepository creates a new PostgreSQL cluster repository.
func NewClusterRepository(pool *Pool) *ClusterRepository {
	return &ClusterRepository{pool: pool}
}

const clusterSelect = `
	SELECT c.id, c.seq, c.root_reference_id, c.root_photo_uid, c.root_embedding, c.root_rect,
	       COALESCE(c.contact_key, ''), COALESCE(c.contact_name, ''), c.synthesized,
	       (SELECT COUNT(*) FROM cluster_members m WHERE m.cluster_id = c.id),
	       c.created_at, c.updated_at
	FROM clusters c
`

func scanCluster(scanner interface{ Scan(...any) error }) (database.StoredCluster, error) {
	var c database.StoredCluster
	var vec pgvector.Vector
	var rect pq.Float64Array
	err := scanner.Scan(
		&c.ID, &c.Seq, &c.RootReferenceID, &c.RootPhotoUID, &vec, &rect,
		&c.ContactKey, &c.ContactName, &c.Synthesized, &c.MemberCount,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan cluster: %w", err)
	}
	c.RootEmbedding = vec.Slice()
	c.RootRect = rectFromArray(rect)
	return c, nil
}

// GetCluster returns a cluster by id, or nil if it does not exist.
func (r *ClusterRepository) GetCluster(ctx context.Context, id string) (*database.StoredCluster, error) {
	c, err := scanCluster(r.pool.QueryRow(ctx, clusterSelect+" WHERE c.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	return &c, nil
}

// ListClusters returns all clusters ordered by creation.
func (r *ClusterRepository) ListClusters(ctx context.Context) ([]database.StoredCluster, error) {
	rows, err := r.pool.Query(ctx, clusterSelect+" ORDER BY c.seq")
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
func (r *ClusterRepository) ListMembers(ctx context.Context, clusterID string) ([]database.Membership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cluster_id, reference_id, photo_uid, rect, is_root, created_at
		FROM cluster_members
		WHERE cluster_id = $1
		ORDER BY id
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []database.Membership
	for rows.Next() {
		var m database.Membership
		var rect pq.Float64Array
		if err := rows.Scan(&m.ClusterID, &m.ReferenceID, &m.PhotoUID, &rect, &m.IsRoot, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Rect = rectFromArray(rect)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// CountClusters returns the number of stored clusters.
func (r *ClusterRepository) CountClusters(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM clusters").Scan(&count); err != nil {
		return 0, fmt.Errorf("count clusters: %w", err)
	}
	return count, nil
}

// SaveCluster inserts or updates a cluster record. The contact columns are left alone on update.
func (r *ClusterRepository) SaveCluster(ctx context.Context, c *database.StoredCluster) error {
	var contactKey, contactName sql.NullString
	if c.ContactKey != "" {
		contactKey = sql.NullString{String: c.ContactKey, Valid: true}
		contactName = sql.NullString{String: c.ContactName, Valid: true}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO clusters (id, root_reference_id, root_photo_uid, root_embedding, root_rect,
		                      contact_key, contact_name, synthesized)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			root_reference_id = EXCLUDED.root_reference_id,
			root_photo_uid = EXCLUDED.root_photo_uid,
			root_embedding = EXCLUDED.root_embedding,
			root_rect = EXCLUDED.root_rect,
			updated_at = NOW()
		RETURNING seq, created_at, updated_at
	`,
		c.ID,
		c.RootReferenceID,
		c.RootPhotoUID,
		pgvector.NewVector(c.RootEmbedding),
		rectArray(c.RootRect),
		contactKey,
		contactName,
		c.Synthesized,
	).Scan(&c.Seq, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save cluster %s: %w", c.ID, err)
	}
	return nil
}

// DeleteCluster removes a cluster with its member log and reverse index entries.
func (r *ClusterRepository) DeleteCluster(ctx context.Context, id string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM reference_index WHERE cluster_id = $1", id); err != nil {
		return fmt.Errorf("delete reference index: %w", err)
	}
	// cluster_members cascades.
	if _, err := tx.ExecContext(ctx, "DELETE FROM clusters WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// putReferenceTx claims referenceID for clusterID. It reports whether the claim is new.
func putReferenceTx(ctx context.Context, tx *sql.Tx, referenceID, clusterID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO reference_index (reference_id, cluster_id)
		VALUES ($1, $2)
		ON CONFLICT (reference_id) DO NOTHING
	`, referenceID, clusterID)
	if err != nil {
		return false, fmt.Errorf("insert reference index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var owner string
	if err := tx.QueryRowContext(ctx,
		"SELECT cluster_id FROM reference_index WHERE reference_id = $1", referenceID,
	).Scan(&owner); err != nil {
		return false, fmt.Errorf("read reference index: %w", err)
	}
	if owner != clusterID {
		return false, fmt.Errorf("%s in %s: %w", referenceID, owner, database.ErrMembershipConflict)
	}
	return false, nil
}

// AddMember appends a membership and writes the reverse index in one transaction.
func (r *ClusterRepository) AddMember(ctx context.Context, m database.Membership) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	fresh, err := putReferenceTx(ctx, tx, m.ReferenceID, m.ClusterID)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cluster_members (cluster_id, reference_id, photo_uid, rect, is_root)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ClusterID, m.ReferenceID, m.PhotoUID, rectArray(m.Rect), m.IsRoot); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetClusterContact attaches a contact to a cluster.
func (r *ClusterRepository) SetClusterContact(ctx context.Context, clusterID string, contact facematch.Contact) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE clusters SET contact_key = $1, contact_name = $2, synthesized = $3, updated_at = NOW()
		WHERE id = $4
	`, contact.Key, contact.Name, contact.Synthesized, clusterID)
	if err != nil {
		return fmt.Errorf("set cluster contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cluster %s not found", clusterID)
	}
	return nil
}

// LookupReference returns the owning cluster of a reference.
func (r *ClusterRepository) LookupReference(ctx context.Context, referenceID string) (string, bool, error) {
	var clusterID string
	err := r.pool.QueryRow(ctx,
		"SELECT cluster_id FROM reference_index WHERE reference_id = $1", referenceID,
	).Scan(&clusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup reference: %w", err)
	}
	return clusterID, true, nil
}

// LookupReferences resolves many references in one query.
func (r *ClusterRepository) LookupReferences(ctx context.Context, referenceIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(referenceIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		"SELECT reference_id, cluster_id FROM reference_index WHERE reference_id = ANY($1)",
		pq.Array(referenceIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("lookup references: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref, cluster string
		if err := rows.Scan(&ref, &cluster); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out[ref] = cluster
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return out, nil
}

// PutReference records the owner of a reference.
func (r *ClusterRepository) PutReference(ctx context.Context, referenceID, clusterID string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := putReferenceTx(ctx, tx, referenceID, clusterID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteReference forgets a reference.
func (r *ClusterRepository) DeleteReference(ctx context.Context, referenceID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM reference_index WHERE reference_id = $1", referenceID); err != nil {
		return fmt.Errorf("delete reference: %w", err)
	}
	return nil
}
