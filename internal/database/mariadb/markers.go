package mariadb

import (
	"context"
	"fmt"
	"strings"

	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// markerChunk bounds the IN list of one query.
const markerChunk = 200

// labeledMarkersQuery selects face markers that carry a subject, keyed by photo.
// Invalid markers are ignored; PhotoPrism keeps them only for undo.
const labeledMarkersQuery = `
	SELECT f.photo_uid, m.marker_uid, m.marker_type, COALESCE(s.subj_name, m.marker_name), m.subj_uid,
	       m.x, m.y, m.w, m.h
	FROM markers m
	JOIN files f ON f.file_uid = m.file_uid
	JOIN subjects s ON s.subj_uid = m.subj_uid
	WHERE m.marker_type = 'face'
	  AND m.marker_invalid = 0
	  AND m.subj_uid <> ''
	  AND f.photo_uid IN (%s)
	ORDER BY f.photo_uid, m.updated_at DESC, m.marker_uid
`

// GetLabeledMarkers returns the subject-assigned face markers of the given photos.
// Within a photo the most recently updated marker comes first.
func (p *Pool) GetLabeledMarkers(ctx context.Context, photoUIDs []string) (map[string][]facematch.MarkerInfo, error) {
	out := make(map[string][]facematch.MarkerInfo)
	for start := 0; start < len(photoUIDs); start += markerChunk {
		end := min(start+markerChunk, len(photoUIDs))
		if err := p.loadMarkers(ctx, photoUIDs[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Pool) loadMarkers(ctx context.Context, uids []string, out map[string][]facematch.MarkerInfo) error {
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(uids)), ",")

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(labeledMarkersQuery, placeholders), args...)
	if err != nil {
		return fmt.Errorf("query labeled markers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var photoUID string
		var m facematch.MarkerInfo
		if err := rows.Scan(&photoUID, &m.UID, &m.Type, &m.Name, &m.SubjUID, &m.X, &m.Y, &m.W, &m.H); err != nil {
			return fmt.Errorf("scan marker: %w", err)
		}
		out[photoUID] = append(out[photoUID], m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate markers: %w", err)
	}
	return nil
}

// CountLabeledMarkers returns the number of subject-assigned face markers in the library.
func (p *Pool) CountLabeledMarkers(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM markers
		WHERE marker_type = 'face' AND marker_invalid = 0 AND subj_uid <> ''
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count labeled markers: %w", err)
	}
	return count, nil
}
